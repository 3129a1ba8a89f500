package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/smallbiznis/conversa/internal/config"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	"github.com/smallbiznis/conversa/internal/platform"
	"go.uber.org/zap"
)

// FileSink writes export batches under <dir>/<location>/<job>/ as one file
// per batch. Batch files are keyed by batch number, so a replayed batch
// overwrites its previous attempt instead of duplicating rows.
type FileSink struct {
	dir string
	log *zap.Logger
}

func NewFileSink(cfg config.Config, log *zap.Logger) *FileSink {
	return &FileSink{dir: cfg.ExportDir, log: log.Named("exportjob.sink")}
}

func (s *FileSink) WriteBatch(ctx context.Context, job *exportjobdomain.ExportJob, batch int, items []platform.Conversation) error {
	jobDir := filepath.Join(s.dir, job.LocationID, job.ID.String())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	name := fmt.Sprintf("batch-%05d.%s", batch, job.Format)
	path := filepath.Join(jobDir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	switch job.Format {
	case "csv":
		err = writeCSV(f, items)
	default:
		err = writeJSONL(f, items)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	s.log.Debug("batch written",
		zap.String("path", path),
		zap.Int("items", len(items)),
	)
	return nil
}

func writeJSONL(f *os.File, items []platform.Conversation) error {
	enc := json.NewEncoder(f)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(f *os.File, items []platform.Conversation) error {
	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "contact_id", "message_count", "sms_count", "email_count", "updated_at", "last_message"}); err != nil {
		return err
	}
	for i := range items {
		item := items[i]
		record := []string{
			item.ID,
			item.ContactID,
			strconv.FormatInt(item.MessageCount, 10),
			strconv.FormatInt(item.SMSCount, 10),
			strconv.FormatInt(item.EmailCount, 10),
			item.UpdatedAt.UTC().Format(time.RFC3339),
			item.LastMessage,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
