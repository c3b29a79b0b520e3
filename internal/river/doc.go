// Package river tracks the state of import jobs that feed documents into
// the cluster. A river's state is persisted as an ordinary document, so it
// travels the same replicated write path as the data it describes.
package river
