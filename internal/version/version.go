package version

// Version is the current version of jbodinstall. Bump for every build that
// changes disk/planner/executor behavior.
const Version = "0.1.0"
