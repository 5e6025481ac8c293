package assetize

import (
	"github.com/jward/assetize/internal/rewrite"
	"github.com/jward/assetize/internal/store"
)

// Public type aliases for internal types used in the Engine API.
// These are Go type aliases (=), identical to the internal types at compile
// time. External consumers use these names; no conversion is needed.

type Store = store.Store
type Package = store.Package
type File = store.File
type Rewrite = store.Rewrite
type RewriteResult = rewrite.Result
type Fix = rewrite.Fix
