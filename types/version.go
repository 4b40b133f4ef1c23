package types

// Version is the canonical project version.
// The wire layout of envelopes and control values is versioned with it.
const Version = "0.3.0"

// WireVersion is carried in the boot-done control value so the host can
// refuse an aux image built against an incompatible envelope layout.
const WireVersion = 2
