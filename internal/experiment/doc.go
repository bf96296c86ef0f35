// Package experiment runs many independent capture-mark-recapture trials and
// summarizes how the Lincoln-Petersen estimate behaves for a given design.
//
// Every trial drives a real session.Controller through create, tag, recapture
// and estimate. No shortcuts. Trial i draws from PCG(seed, i), so a result
// depends only on the scenario and never on how trials were scheduled across
// workers.
//
// Usage:
//
//	r := experiment.NewRunner(experiment.WithWorkers(8))
//	res, err := r.Run(ctx, experiment.Scenario{
//	    Name:      "textbook",
//	    Size:      1000,
//	    Tag:       100,
//	    Recapture: 100,
//	    Trials:    2000,
//	    Seed:      42,
//	})
//	fmt.Println(res.Stats.Median, res.Stats.UndefinedRate)
package experiment
