// Package _default registers the execution engines that ship with FuseDiff: the eager
// reference interpreter and the fusing lowered engine.
//
// To use it simply include:
//
//	import _ "github.com/fusediff/fusediff/backends/default"
//
// The eager engine registers first, so it is the default when FUSEDIFF_BACKEND and
// backends.DefaultConfig are unset.
package _default

import (
	_ "github.com/fusediff/fusediff/backends/eager"
	_ "github.com/fusediff/fusediff/backends/fuser"
)
