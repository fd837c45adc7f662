package record

import (
	"context"

	"github.com/smallbiznis/pixwatch/internal/record/reconciler"
	"github.com/smallbiznis/pixwatch/internal/record/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("record",
	fx.Provide(repository.Provide),
	fx.Provide(reconciler.New),
	fx.Invoke(registerReconcilerHooks),
)

func registerReconcilerHooks(lc fx.Lifecycle, r *reconciler.Reconciler) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			r.Close()
			return nil
		},
	})
}
