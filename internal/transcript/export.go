package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"jean-claude-go/internal/model"
	"jean-claude-go/pkg/log"
)

const exportHeading = "# Jean-Claude Chat Transcripts"

// ExportMarkdown 把全部会话序列化为一个 Markdown 文档，顺序与 GetAllTranscripts 一致。
func (s *Store) ExportMarkdown(ctx context.Context) (string, error) {
	transcripts, err := s.GetAllTranscripts(ctx)
	if err != nil {
		return "", err
	}
	if len(transcripts) == 0 {
		return exportHeading + "\n\nNo transcripts available.", nil
	}

	var b strings.Builder
	b.WriteString(exportHeading + "\n\n")
	fmt.Fprintf(&b, "Exported on: %s\n\n", model.LocalTime(s.now()))

	for _, t := range transcripts {
		fmt.Fprintf(&b, "## %s\n\n", t.Title)
		fmt.Fprintf(&b, "**Created:** %s\n", model.LocalTime(t.CreatedAt))
		fmt.Fprintf(&b, "**Updated:** %s\n\n", model.LocalTime(t.UpdatedAt))

		for _, m := range t.Messages {
			fmt.Fprintf(&b, "### %s\n\n", roleLabel(m.Role))
			fmt.Fprintf(&b, "%s\n\n", m.Content)
			fmt.Fprintf(&b, "*%s*\n\n", model.LocalTime(m.Timestamp))
			b.WriteString("---\n\n")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// ExportFileName 返回导出文件名，日期部分取 UTC。
func (s *Store) ExportFileName() string {
	return fmt.Sprintf("jean-claude-transcripts-%s.md", s.now().UTC().Format("2006-01-02"))
}

// DownloadMarkdown 把导出结果写入 dir 目录并返回文件路径；
// 配置了归档目标时同时上传，上传失败只记录日志。
func (s *Store) DownloadMarkdown(ctx context.Context, dir string) (string, error) {
	markdown, err := s.ExportMarkdown(ctx)
	if err != nil {
		return "", err
	}

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}
	name := s.ExportFileName()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}

	if s.archive != nil {
		if err := s.archive.Upload(ctx, name, []byte(markdown)); err != nil {
			log.Warnf("Failed to archive transcript export %s: %v", name, err)
		}
	}
	return path, nil
}

func roleLabel(role model.Role) string {
	if role == model.RoleUser {
		return "User"
	}
	return "Jean-Claude"
}
