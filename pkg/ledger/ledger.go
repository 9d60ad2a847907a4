// Package ledger keeps a database log of triage outcomes and written
// ground-truth pairs, and exports the pairs as a parquet manifest.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mdetruth/models"
)

type Ledger struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to dsn. A postgres:// URL selects Postgres; anything else
// is a SQLite file, created along with its directory if needed.
func Open(dsn string, log *slog.Logger) (*Ledger, error) {
	var dial gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dial = postgres.Open(dsn)
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("ledger dir: %w", err)
		}
		dial = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return New(db, log), nil
}

func New(db *gorm.DB, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{db: db, logger: log}
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates the ledger tables.
func (l *Ledger) Migrate() error {
	for _, m := range []any{&models.GroundTruthPair{}, &models.TriageRecord{}} {
		if err := l.db.AutoMigrate(m); err != nil {
			return fmt.Errorf("migrate %T: %w", m, err)
		}
	}
	return nil
}

func (l *Ledger) RecordPair(ctx context.Context, p models.GroundTruthPair) error {
	if err := l.db.WithContext(ctx).Create(&p).Error; err != nil {
		return fmt.Errorf("record pair %s: %w", p.CropName, err)
	}
	return nil
}

func (l *Ledger) RecordTriage(ctx context.Context, r models.TriageRecord) error {
	if err := l.db.WithContext(ctx).Create(&r).Error; err != nil {
		return fmt.Errorf("record triage %s: %w", r.SourceImage, err)
	}
	return nil
}

// Report summarises the ledger.
type Report struct {
	Outcomes map[string]int64
	Images   int64
	Pairs    int64
	Fields   map[string]int64
}

func (l *Ledger) Report(ctx context.Context) (Report, error) {
	rep := Report{Outcomes: map[string]int64{}, Fields: map[string]int64{}}
	db := l.db.WithContext(ctx)

	var outcomes []struct {
		Outcome string
		N       int64
	}
	if err := db.Model(&models.TriageRecord{}).Select("outcome, count(*) AS n").Group("outcome").Scan(&outcomes).Error; err != nil {
		return rep, fmt.Errorf("count outcomes: %w", err)
	}
	for _, o := range outcomes {
		rep.Outcomes[o.Outcome] = o.N
		rep.Images += o.N
	}

	var fields []struct {
		Field string
		N     int64
	}
	if err := db.Model(&models.GroundTruthPair{}).Select("field, count(*) AS n").Group("field").Scan(&fields).Error; err != nil {
		return rep, fmt.Errorf("count pairs: %w", err)
	}
	for _, f := range fields {
		rep.Fields[f.Field] = f.N
		rep.Pairs += f.N
	}
	return rep, nil
}

// Pairs returns all ground-truth pairs, oldest first.
func (l *Ledger) Pairs(ctx context.Context) ([]models.GroundTruthPair, error) {
	var out []models.GroundTruthPair
	if err := l.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	return out, nil
}

// ManifestRow is one line of the exported training manifest. Image and
// LabelFile are relative to the ground-truth directory.
type ManifestRow struct {
	Image       string `parquet:"image"`
	LabelFile   string `parquet:"label_file"`
	Label       string `parquet:"label"`
	Field       string `parquet:"field"`
	SourceImage string `parquet:"source_image"`
	Original    string `parquet:"original,optional"`
	TemplateID  int32  `parquet:"template_id"`
	CreatedAtMS int64  `parquet:"created_at_ms"`
}

// Export writes every pair as a parquet manifest and returns the row count.
func (l *Ledger) Export(ctx context.Context, w io.Writer) (int, error) {
	pairs, err := l.Pairs(ctx)
	if err != nil {
		return 0, err
	}
	rows := make([]ManifestRow, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, manifestRow(p))
	}

	pw := parquet.NewGenericWriter[ManifestRow](w)
	if _, err := pw.Write(rows); err != nil {
		return 0, fmt.Errorf("write manifest: %w", err)
	}
	if err := pw.Close(); err != nil {
		return 0, fmt.Errorf("close manifest: %w", err)
	}
	l.logger.Info("manifest exported", "rows", len(rows))
	return len(rows), nil
}

func manifestRow(p models.GroundTruthPair) ManifestRow {
	r := ManifestRow{
		Image:       p.CropName,
		LabelFile:   strings.TrimSuffix(p.CropName, filepath.Ext(p.CropName)) + ".gt.txt",
		Label:       p.Label,
		Field:       p.Field,
		SourceImage: p.SourceImage,
		TemplateID:  int32(p.TemplateID),
		CreatedAtMS: p.CreatedAt.UnixMilli(),
	}
	if p.Original != nil {
		r.Original = *p.Original
	}
	return r
}
