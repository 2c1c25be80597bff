package provision

// Task is one pending file download: absolute source URL and destination
// path. Tasks are immutable values compared by (URL, Path), which makes
// them usable as set keys; a task exists only while its destination file
// is missing.
type Task struct {
	URL  string
	Path string
}
