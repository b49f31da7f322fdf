// Package pipeline moves events from collectors through the processor chain
// into storage.
//
// Architecture:
//
//	┌───────────┐  ┌───────────┐  ┌───────────┐
//	│ Collector │  │ Collector │  │ Collector │
//	└─────┬─────┘  └─────┬─────┘  └─────┬─────┘
//	      └──────────────┼──────────────┘
//	                     ▼
//	             ┌──────────────┐
//	             │ ingress bus  │  one copy per subscription
//	             └──────┬───────┘
//	        ┌───────────┼───────────┐
//	        ▼           ▼           ▼
//	   ┌─────────┐ ┌─────────┐ ┌─────────┐
//	   │ worker  │ │ worker  │ │ worker  │  full processor chain,
//	   │         │ │         │ │         │  private batch
//	   └────┬────┘ └────┬────┘ └────┬────┘
//	        ├───────────┼───────────┤
//	        ▼           ▼           ▼
//	   ┌─────────┐ ┌──────────────────┐
//	   │ Storage │ │   output bus     │──▶ live subscribers
//	   └─────────┘ └──────────────────┘
//
// Workers are redundant, independent pipelines rather than a load-balanced
// pool: with ProcessorParallelism N every ingested event is processed N times.
// Processed events go to a separate output bus, so they never re-enter a
// worker's chain.
//
// Example usage:
//
//	p, err := pipeline.New(pipeline.DefaultConfig(), collectors, processors, store,
//	    pipeline.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := p.Start(ctx); err != nil {
//	    return err
//	}
//	defer p.Stop(shutdownCtx)
//
//	sub := p.Subscribe()
//	defer sub.Close()
package pipeline
