// Package assetize stages npm packages as browser-loadable ES modules. It
// installs packages from a registry into an asset tree, writes an entry shim
// per package, and rewrites every import specifier in the staged files into
// an explicit relative path ending in .js.
//
// # Pipeline
//
// A run has two phases separated by a hard barrier:
//
//  1. Install: read the project manifest's assetDependencies mapping, fetch
//     metadata and archives for each package and, recursively, each
//     dependency. Every package name is extracted at most once per run,
//     however many requests name it. Each package gets a shim at
//     assets/<name>.js re-exporting its main entry.
//
//  2. Rewrite: rename every .mjs file to .js, then scan each .js file with
//     tree-sitter for import, re-export and literal dynamic-import
//     specifiers, resolve each one against the asset tree and splice the
//     results back in one pass. Unresolvable imports are left unchanged and
//     reported as warnings.
//
// # Usage
//
//	e, err := assetize.New("path/to/project", ".assetize/state.db",
//		assetize.WithConcurrency(4))
//	if err != nil { ... }
//	defer e.Close()
//
//	report, err := e.Run(ctx, assetize.RunOptions{
//		Manifest: "package.json",
//		Field:    "assetDependencies",
//	})
//
// # Ledger
//
// Installed packages and every rewritten file, with the replacements applied
// to it, are recorded in a SQLite ledger. [Engine.Packages] lists it.
//
// # Transform scripts
//
// [WithTransformScript] runs a Risor script over every file after the
// built-in rewrites. The script sees the globals content, file_path and
// package_name, and returns the new content (or nil to keep it).
package assetize
