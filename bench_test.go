package assetize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// benchModuleSource is a realistic ES module with static, re-export,
// side-effect and dynamic imports plus process.env accesses.
const benchModuleSource = `import { html, render } from 'lit-html'
import { repeat } from 'lit-html/directives/repeat.js'
import * as util from './util'
import './styles.mjs'
export { default as Widget } from './widget'
export * from '../shared/constants'

const DEBUG = process.env.NODE_ENV !== 'production'

export class List {
  constructor(root, items) {
    this.root = root
    this.items = items
  }

  template() {
    return html` + "`<ul>${repeat(this.items, (i) => i.id, (i) => html`<li>${util.label(i)}</li>`)}</ul>`" + `
  }

  update(items) {
    this.items = items
    if (DEBUG) {
      console.log('render', items.length, process.env.API_URL)
    }
    render(this.template(), this.root)
  }

  async lazy() {
    const { chart } = await import('./chart')
    return chart(this.items)
  }
}
`

// setupBenchTree stages n copies of a package using benchModuleSource and
// returns an Engine over them. Caller must close the engine.
func setupBenchTree(b *testing.B, n int, opts ...Option) (*Engine, []string) {
	b.Helper()
	dir := b.TempDir()

	files := map[string]string{
		"assets/lit-html/package.json":         `{"module": "lit-html.js"}`,
		"assets/lit-html/lit-html.js":          "export const html = 1\nexport const render = 2\n",
		"assets/lit-html/directives/repeat.js": "export const repeat = 3\n",
		"assets/shared/constants.js":           "export const A = 1\n",
		"assets/lit-html.js":                   "export * from './lit-html/lit-html.js'\n",
		"assets/shared/package.json":           `{"main": "constants.js"}`,
	}
	var names []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("pkg%03d", i)
		names = append(names, name)
		files["assets/"+name+"/index.js"] = benchModuleSource
		files["assets/"+name+"/util/index.js"] = "export const label = (i) => i.name\n"
		files["assets/"+name+"/styles.mjs"] = ""
		files["assets/"+name+"/widget.js"] = "export default class Widget {}\n"
		files["assets/"+name+"/chart.js"] = "export const chart = () => null\n"
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			b.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			b.Fatal(err)
		}
	}

	e, err := New(dir, "bench.db", opts...)
	if err != nil {
		b.Fatal(err)
	}
	return e, names
}

// BenchmarkRewrite_Parallel measures rewriting 50 staged packages with the
// worker pool. After the first iteration every file is already rewritten,
// so later iterations measure the scan and resolve path.
func BenchmarkRewrite_Parallel(b *testing.B) {
	e, names := setupBenchTree(b, 50)
	defer e.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Rewrite(ctx, names); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRewrite_Serial is BenchmarkRewrite_Parallel without the worker
// pool.
func BenchmarkRewrite_Serial(b *testing.B) {
	e, names := setupBenchTree(b, 50, WithParallel(false))
	defer e.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Rewrite(ctx, names); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkResolveSpecifier measures a single bare-specifier resolution
// against the staged tree.
func BenchmarkResolveSpecifier(b *testing.B) {
	e, _ := setupBenchTree(b, 1)
	defer e.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.ResolveSpecifier("assets/pkg000/index.js", "lit-html/directives/repeat"); err != nil {
			b.Fatal(err)
		}
	}
}
