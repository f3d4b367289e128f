package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	rardecode "github.com/nwaples/rardecode/v2"
	"gorm.io/gorm"
)

const (
	maxArchiveEntries   = 200
	maxArchiveFileBytes = 2 << 20
)

var textExtensions = map[string]struct{}{
	".md": {}, ".markdown": {}, ".txt": {}, ".text": {},
	".html": {}, ".htm": {}, ".json": {}, ".csv": {},
}

// IngestUpload records an uploaded file and chunks its extracted text under
// the upload origin. The object itself is expected to already sit in object
// storage under objectKey.
func (s *Service) IngestUpload(ctx context.Context, agentID uint64, userID uint64, fileName string, contentType string, objectKey string, data []byte) (*Upload, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	if strings.TrimSpace(fileName) == "" {
		return nil, errors.New("knowledge: file name is required")
	}

	upload := Upload{
		AgentID:     agentID,
		FileName:    fileName,
		ObjectKey:   objectKey,
		ContentType: contentType,
		ByteSize:    int64(len(data)),
		Status:      StatusProcessing,
		CreatedBy:   userID,
	}
	if err := s.db.WithContext(ctx).Create(&upload).Error; err != nil {
		return nil, err
	}

	text, err := extractUploadText(fileName, contentType, data)
	if err != nil {
		s.markUploadFailed(ctx, &upload, err.Error())
		return &upload, err
	}

	rows := buildChunkRows(agentID, text, s.maxTokens, s.overlapChars)
	if _, err := s.store.ReplaceChunks(ctx, upload.ID, OriginUpload, rows); err != nil {
		s.markUploadFailed(ctx, &upload, fmt.Sprintf("store chunks: %v", err))
		return &upload, err
	}

	if err := s.db.WithContext(ctx).Model(&Upload{}).Where("id = ?", upload.ID).
		Updates(map[string]interface{}{"status": StatusCompleted, "updated_at": time.Now().UTC()}).Error; err != nil {
		return &upload, err
	}
	upload.Status = StatusCompleted
	return &upload, nil
}

func (s *Service) markUploadFailed(ctx context.Context, upload *Upload, message string) {
	upload.Status = StatusFailed
	upload.ErrorMessage = &message
	_ = s.db.WithContext(ctx).Model(&Upload{}).Where("id = ?", upload.ID).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": message,
			"updated_at":    time.Now().UTC(),
		}).Error
}

func (s *Service) ListUploads(ctx context.Context, agentID uint64) ([]Upload, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var uploads []Upload
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&uploads).Error; err != nil {
		return nil, err
	}
	return uploads, nil
}

func (s *Service) GetUpload(ctx context.Context, agentID uint64, uploadID uint64) (*Upload, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var upload Upload
	if err := s.db.WithContext(ctx).
		Where("id = ? AND agent_id = ?", uploadID, agentID).
		Take(&upload).Error; err != nil {
		return nil, err
	}
	return &upload, nil
}

func (s *Service) DeleteUpload(ctx context.Context, agentID uint64, uploadID uint64) (*Upload, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var upload Upload
	if err := s.db.WithContext(ctx).
		Where("id = ? AND agent_id = ?", uploadID, agentID).
		Take(&upload).Error; err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("origin_type = ? AND origin_id = ?", OriginUpload, upload.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Upload{}, upload.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

// CreateEntry stores a manual question/answer pair and chunks its canonical
// text form under the qa origin.
func (s *Service) CreateEntry(ctx context.Context, agentID uint64, userID uint64, question string, answer string) (*Entry, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" || answer == "" {
		return nil, errors.New("knowledge: question and answer are required")
	}

	entry := Entry{
		AgentID:   agentID,
		Question:  question,
		Answer:    answer,
		CreatedBy: userID,
		UpdatedBy: userID,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}

	rows := buildChunkRows(agentID, entryText(entry), s.maxTokens, s.overlapChars)
	if _, err := s.store.ReplaceChunks(ctx, entry.ID, OriginQA, rows); err != nil {
		return &entry, fmt.Errorf("knowledge: entry saved but chunking failed, re-save to retry: %w", err)
	}
	return &entry, nil
}

func (s *Service) UpdateEntry(ctx context.Context, agentID uint64, entryID uint64, userID uint64, question string, answer string) (*Entry, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var entry Entry
	if err := s.db.WithContext(ctx).
		Where("id = ? AND agent_id = ?", entryID, agentID).
		Take(&entry).Error; err != nil {
		return nil, err
	}

	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" || answer == "" {
		return nil, errors.New("knowledge: question and answer are required")
	}

	entry.Question = question
	entry.Answer = answer
	entry.UpdatedBy = userID
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"question":   question,
			"answer":     answer,
			"updated_by": userID,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
		return nil, err
	}

	rows := buildChunkRows(agentID, entryText(entry), s.maxTokens, s.overlapChars)
	if _, err := s.store.ReplaceChunks(ctx, entry.ID, OriginQA, rows); err != nil {
		return &entry, fmt.Errorf("knowledge: entry saved but chunking failed, re-save to retry: %w", err)
	}
	return &entry, nil
}

func (s *Service) ListEntries(ctx context.Context, agentID uint64) ([]Entry, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) DeleteEntry(ctx context.Context, agentID uint64, entryID uint64) error {
	if s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	var entry Entry
	if err := s.db.WithContext(ctx).
		Where("id = ? AND agent_id = ?", entryID, agentID).
		Take(&entry).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("origin_type = ? AND origin_id = ?", OriginQA, entry.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Entry{}, entry.ID).Error
	})
}

func entryText(entry Entry) string {
	return fmt.Sprintf("Q: %s\n\nA: %s", entry.Question, entry.Answer)
}

func extractUploadText(fileName string, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("uploaded file is empty")
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".zip":
		return extractZipText(data)
	case ".rar":
		return extractRarText(data)
	case ".html", ".htm":
		content, err := newExtractor().extract(data, "text/html")
		if err != nil {
			return "", err
		}
		return content.Text, nil
	}

	if _, ok := textExtensions[ext]; ok || strings.HasPrefix(normalizeMediaType(contentType), "text/") {
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", errors.New("uploaded file contains no text")
		}
		return text, nil
	}

	return "", fmt.Errorf("unsupported file type %q", fileName)
}

func extractZipText(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open zip archive: %w", err)
	}

	var sections []string
	count := 0
	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !isTextArchiveEntry(file.Name) {
			continue
		}
		if count >= maxArchiveEntries {
			break
		}
		count++

		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("open %s in archive: %w", file.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxArchiveFileBytes))
		_ = rc.Close()
		if err != nil {
			return "", fmt.Errorf("read %s in archive: %w", file.Name, err)
		}
		if text := strings.TrimSpace(string(content)); text != "" {
			sections = append(sections, fmt.Sprintf("## %s\n\n%s", file.Name, text))
		}
	}

	if len(sections) == 0 {
		return "", errors.New("archive contains no text files")
	}
	return strings.Join(sections, "\n\n"), nil
}

func extractRarText(data []byte) (string, error) {
	reader, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open rar archive: %w", err)
	}

	var sections []string
	count := 0
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read rar archive: %w", err)
		}
		if header.IsDir || !isTextArchiveEntry(header.Name) {
			continue
		}
		if count >= maxArchiveEntries {
			break
		}
		count++

		content, err := io.ReadAll(io.LimitReader(reader, maxArchiveFileBytes))
		if err != nil {
			return "", fmt.Errorf("read %s in archive: %w", header.Name, err)
		}
		if text := strings.TrimSpace(string(content)); text != "" {
			sections = append(sections, fmt.Sprintf("## %s\n\n%s", header.Name, text))
		}
	}

	if len(sections) == 0 {
		return "", errors.New("archive contains no text files")
	}
	return strings.Join(sections, "\n\n"), nil
}

func isTextArchiveEntry(name string) bool {
	_, ok := textExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}
