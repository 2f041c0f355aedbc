// Package mailverify checks whether email addresses are well formed,
// routable and likely deliverable, without sending any mail.
//
// A single address:
//
//	engine, err := mailverify.New(mailverify.DefaultOptions())
//	if err != nil { ... }
//	defer engine.Close()
//	res, err := engine.ValidateOne(ctx, "user@example.com", 0)
//
// A batch runs asynchronously. Phase 1 (syntax, DNS, type) resolves cheap
// cases; phase 2 probes the rest over SMTP with a bounded worker pool:
//
//	id, err := engine.SubmitBatch(ctx, addresses, 50, 5*time.Second)
//	updates, err := engine.SubscribeProgress(ctx, id)
//	for p := range updates {
//	    fmt.Printf("%s %.1f%%\n", p.Phase, p.Percent)
//	}
package mailverify

import (
	"github.com/optimode/mailverify/internal/dedup"
	"github.com/optimode/mailverify/types"
)

// Re-exports so that consumers don't need to import the types package.
type (
	CheckResult = types.CheckResult
	CheckLevel  = types.CheckLevel
	EmailRecord = types.EmailRecord
	Verdict     = types.Verdict
	Progress    = types.Progress
	Bucket      = types.Bucket
	Outcome     = types.Outcome
	Confidence  = types.Confidence
)

// Partition splits an upload into first sightings and repeats.
type Partition = dedup.Partition

// DedupStats summarizes the deduplication store.
type DedupStats = dedup.Stats

const (
	LevelSyntax = types.LevelSyntax
	LevelDomain = types.LevelDomain
	LevelType   = types.LevelType
	LevelSMTP   = types.LevelSMTP
)
