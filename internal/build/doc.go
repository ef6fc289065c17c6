// Package build orchestrates the execution of a recipe's stage graph.
//
// A build runs in three phases. Resolution validates the graph and plans the
// stages the requested targets need (see the graph package); nothing runs if
// it fails. Execution starts one goroutine per needed stage. Each waits for
// the stages it depends on, takes a slot from a weighted semaphore bounded by
// [Options.Jobs], and runs its steps in order against a workspace seeded from
// its base snapshot. Materialization turns the snapshots of the targets into
// images.
//
// Every stage's result is an immutable snapshot identified by a cache key
// derived from its base snapshot, its instructions, the resolved build
// arguments and the content of everything it copies. A stage whose key is
// already in the store is not executed again.
//
// When a stage fails, the stages depending on it are skipped and carry the
// original [StageExecutionError]. Independent stages keep running unless
// [Options.FailFast] is set, in which case the first failure cancels the
// whole build.
//
// Workspaces are provided by a [Worker]. Stages without run steps never need
// one and are executed in memory.
//
// Example usage:
//
//	b := build.New(resolver, worker, store)
//	result, err := b.Build(ctx, rcp, build.Options{
//	    Targets: []string{"release"},
//	    Args:    map[string]string{"VERSION": "1.2.3"},
//	    Context: ".",
//	    Output:  "dist",
//	    Jobs:    4,
//	})
//	if err != nil {
//	    return err
//	}
package build
