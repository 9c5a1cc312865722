package server

import (
	"context"
	"path/filepath"
	"regexp"

	"github.com/conneroisu/snowdrift/internal/hmr"
	"github.com/conneroisu/snowdrift/internal/resolver"
	"github.com/conneroisu/snowdrift/internal/urls"
	"github.com/conneroisu/snowdrift/internal/watcher"
)

// componentScriptRegex matches component outputs whose loaders also emit a
// stylesheet next to the script.
var componentScriptRegex = regexp.MustCompile(`\.(js|svelte|vue)$`)

// HandleChanges applies a batch of file watcher events: added files are
// indexed, removed files forgotten, and every touched file invalidated.
func (s *DevServer) HandleChanges(ctx context.Context, events []watcher.ChangeEvent) error {
	for _, event := range events {
		switch event.Type {
		case watcher.EventAdd:
			s.clearETags()
			s.prepareFile(ctx, event.Path)
			s.OnWatchEvent(ctx, event.Path)
			if fileURLs := s.project.Mapper.URLsForFile(event.Path); len(fileURLs) > 0 {
				s.files.Add(event.Path, fileURLs)
			}
		case watcher.EventUnlink:
			s.clearETags()
			s.OnWatchEvent(ctx, event.Path)
			s.files.Delete(event.Path)
		case watcher.EventChange:
			s.prepareFile(ctx, event.Path)
			s.OnWatchEvent(ctx, event.Path)
		}
	}
	return nil
}

func (s *DevServer) prepareFile(ctx context.Context, fileLoc string) {
	if err := s.project.Packages.PrepareSingleFile(ctx, fileLoc); err != nil {
		s.logger.Warn(ctx, err, "cannot prepare packages for file", "file", fileLoc)
	}
}

// OnWatchEvent invalidates everything derived from fileLoc: it notifies
// HMR clients, forgets the file's ETags, drops its cached builds and tells
// the plugins.
func (s *DevServer) OnWatchEvent(ctx context.Context, fileLoc string) {
	s.logger.Info(ctx, "file changed", "file", s.relative(fileLoc))
	if fileURLs := s.project.Mapper.URLsForFile(fileLoc); len(fileURLs) > 0 {
		s.handleHMRUpdate(fileLoc, fileURLs[0])
		s.forgetETags(fileURLs[0], fileURLs[0]+resolver.ProxySuffix)
	}
	s.forgetFileETags(fileLoc)
	s.cache.DeleteFile(fileLoc)
	s.project.Pipeline.NotifyChange(fileLoc)
}

// handleHMRUpdate tells browsers about a change to the file served at
// fileURL. Plain stylesheets are swapped in place; other files propagate
// through the graph, and a file that was served outside the graph forces
// a reload.
func (s *DevServer) handleHMRUpdate(fileLoc, fileURL string) {
	if s.hmr == nil {
		return
	}
	if urls.HasExtension(fileURL, ".css") && !urls.NeedsCSSModules(fileURL) {
		s.hmr.Broadcast(hmr.Update(fileURL, false))
		return
	}

	updateURL := fileURL
	if !urls.IsJavaScript(updateURL) {
		updateURL += resolver.ProxySuffix
	}
	if componentScriptRegex.MatchString(fileURL) {
		cssURL := componentScriptRegex.ReplaceAllString(fileURL, ".css") + resolver.ProxySuffix
		if _, ok := s.hmr.GetEntry(cssURL); ok {
			s.hmr.MarkForReplacement(cssURL, true)
		}
	}

	if _, ok := s.hmr.GetEntry(updateURL); ok {
		s.hmr.HandleUpdate(updateURL)
		return
	}
	if _, ok := s.cache.Get(urls.CacheKey(fileLoc, s.cfg.CacheMode(), false)); ok {
		s.hmr.Broadcast(hmr.Reload())
	}
}

func (s *DevServer) relative(fileLoc string) string {
	root := s.cfg.Root
	if s.cfg.WorkspaceRoot != "" {
		root = s.cfg.WorkspaceRoot
	}
	if rel, err := filepath.Rel(root, fileLoc); err == nil {
		return rel
	}
	return fileLoc
}
