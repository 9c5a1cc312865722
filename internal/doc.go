// Package internal contains the implementation packages of the snowdrift
// dev server and production builder.
//
// # Package Organization
//
//   - urls: mapping between mounted files and the URLs they are served at
//   - scanner: import extraction from JavaScript, TypeScript and HTML
//   - resolver: rewriting import specifiers into browser URLs
//   - pipeline: the plugin load, transform, optimize and cleanup stages
//   - build: per-file builders, the build cache and the production builder
//   - hmr: the ESM-HMR dependency graph and websocket engine
//   - server: the on-demand development request handler
//   - pkgsource: node_modules and remote CDN package sources
//   - proxy, rewrite, sourcemap, cssmodules: generated code and rewriting
//   - config, logging, errors, validation, version: ambient services
//   - project: wiring of the services shared by dev and build
//   - watcher: file system events with batching
package internal
