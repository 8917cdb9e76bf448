// Package plugin keeps a host's set of loaded plugins in sync with a watched directory.
//
// A Session owns one directory. Every rescan pass lists the directory, compares it with
// the Session's Registry and loads, reloads or unloads modules so the Registry matches
// what is on disk. The Evaluator that executes plugin code memoizes loads by path, so
// each version of a module is loaded from its own shadow copy named
// ".<file>_<unixnano mtime>" next to the original. Exactly one shadow copy backs each
// loaded module; superseded and failed copies are deleted.
//
// Passes run one at a time per Session. Filesystem notifications only request a pass;
// bursts of requests are coalesced into one pending pass.
package plugin
