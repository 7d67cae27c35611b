package types

// Version is the flight software version reported by `obc version` and
// stamped into mission-completed events.
const Version = "0.3.0"
