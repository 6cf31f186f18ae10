// Package persona 负责加载系统提示词（persona），并在文件变化时热更新。
package persona

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"jean-claude-go/pkg/log"
)

// ErrEmptyPersona 表示 persona 文件为空。
var ErrEmptyPersona = errors.New("persona file is empty")

// Loader 持有当前生效的 persona 文本，读写并发安全。
type Loader struct {
	path string

	mu     sync.RWMutex
	prompt string
}

// NewLoader 从 path 读取 persona。
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Static 返回一个内容固定、不关联文件的 Loader。
func Static(prompt string) *Loader {
	return &Loader{prompt: prompt}
}

// Prompt 返回当前的 persona 文本。
func (l *Loader) Prompt() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prompt
}

// Reload 重新读取文件。读取失败或内容为空时保留旧内容。
func (l *Loader) Reload() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read persona file: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return ErrEmptyPersona
	}

	l.mu.Lock()
	l.prompt = prompt
	l.mu.Unlock()
	return nil
}

// Watch 监听 persona 文件所在目录，文件被写入或替换时自动 Reload，直到 ctx 结束。
// 监听目录而不是文件本身，这样编辑器“写临时文件再 rename”的保存方式也能被捕获。
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create persona watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(l.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch persona directory: %w", err)
	}
	log.Infof("Watching persona file %s", target)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				log.Warnf("Persona reload failed, keeping previous prompt: %v", err)
				continue
			}
			log.Infof("Persona reloaded from %s", target)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("Persona watcher error: %v", err)
		}
	}
}
