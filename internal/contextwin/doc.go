// ABOUTME: Package documentation for the context window builder
// ABOUTME: States the budget guarantee and the estimation heuristic

// Package contextwin assembles token-budgeted conversation windows for
// model calls.
//
// Token cost is estimated, not tokenized: CJK ideographs count one each,
// other characters four per token, plus a fixed per-message overhead. The
// builder guarantees the estimated total never exceeds the budget, placing
// system content first and filling the rest with the newest history,
// truncating the last message that fits only partially.
package contextwin
