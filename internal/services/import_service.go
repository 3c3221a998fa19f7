package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"parkpulse/internal/models"
	"parkpulse/internal/repository"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
	"parkpulse/pkg/ratelimit"
	"parkpulse/pkg/retry"
)

// ImportService loads collector snapshot exports into the snapshot
// store. Files are newline-delimited JSON, one per park, named
// park_<id>.ndjson. Writes are throttled and retried so a bulk
// backfill cannot starve the live collector of connections.
type ImportService struct {
	snapshots repository.SnapshotRepository
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
	clock     clockwork.Clock
	limiter   *ratelimit.Bucket
	policy    retry.Policy
}

// ImportResult contains import statistics
type ImportResult struct {
	TotalFiles        int
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	ParksSeen         int
	Duration          time.Duration
	Errors            []string
}

// NewImportService creates a new import service
func NewImportService(
	snapshots repository.SnapshotRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	clock clockwork.Clock,
	limiter *ratelimit.Bucket,
	policy retry.Policy,
) *ImportService {
	return &ImportService{
		snapshots: snapshots,
		logger:    logger,
		metrics:   metricsCollector,
		clock:     clock,
		limiter:   limiter,
		policy:    policy,
	}
}

// ImportDirectory imports every park export file from a directory
func (s *ImportService) ImportDirectory(ctx context.Context, dataDir string, batchSize int) (*ImportResult, error) {
	startTime := s.clock.Now()

	s.logger.Info(ctx, "[IMPORT_START] Starting snapshot import", logging.Fields{
		"data_dir":   dataDir,
		"batch_size": batchSize,
	})

	result := &ImportResult{
		Errors: make([]string, 0),
	}

	files, err := filepath.Glob(filepath.Join(dataDir, "park_*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no export files found in %s", dataDir)
	}

	result.TotalFiles = len(files)

	for _, filePath := range files {
		fileResult, err := s.importFile(ctx, filePath, batchSize)
		if err != nil {
			errMsg := fmt.Sprintf("failed to import %s: %v", filePath, err)
			result.Errors = append(result.Errors, errMsg)
			s.logger.Error(ctx, "[IMPORT_FILE_ERROR] File import failed", logging.Fields{
				"file_path": filePath,
			}, err)
			s.metrics.RecordImportError("file_error")
			continue
		}

		result.TotalRecords += fileResult.TotalRecords
		result.SuccessfulRecords += fileResult.SuccessfulRecords
		result.FailedRecords += fileResult.FailedRecords
		result.ParksSeen++

		s.logger.Info(ctx, "[IMPORT_FILE_SUCCESS] File imported", logging.Fields{
			"file_path":          filePath,
			"total_records":      fileResult.TotalRecords,
			"successful_records": fileResult.SuccessfulRecords,
			"failed_records":     fileResult.FailedRecords,
		})
	}

	result.Duration = s.clock.Now().Sub(startTime)
	s.metrics.ImportDuration.Observe(result.Duration.Seconds())

	s.logger.Info(ctx, "[IMPORT_COMPLETE] Snapshot import completed", logging.Fields{
		"total_files":        result.TotalFiles,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"duration_seconds":   result.Duration.Seconds(),
		"error_count":        len(result.Errors),
	})

	return result, nil
}

// FileImportResult contains per-file import statistics
type FileImportResult struct {
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
}

// importFile imports a single park export file
func (s *ImportService) importFile(ctx context.Context, filePath string, batchSize int) (*FileImportResult, error) {
	parkID, err := parkIDFromFilename(filePath)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	result := &FileImportResult{}
	batch := make([]*models.Snapshot, 0, batchSize)
	now := s.clock.Now().UTC()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		result.TotalRecords++

		var record models.RawSnapshotRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			result.FailedRecords++
			s.metrics.RecordImportError("parse_error")
			continue
		}

		snapshot, err := record.ToSnapshot(now)
		if err != nil {
			result.FailedRecords++
			s.metrics.RecordImportError("validation_error")
			continue
		}

		batch = append(batch, snapshot)

		if len(batch) >= batchSize {
			if err := s.flushBatch(ctx, parkID, batch); err != nil {
				return nil, err
			}
			result.SuccessfulRecords += len(batch)
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := s.flushBatch(ctx, parkID, batch); err != nil {
			return nil, err
		}
		result.SuccessfulRecords += len(batch)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return result, nil
}

// flushBatch writes one batch through the throttle and retry policy,
// then derives the park-activity rows the same batch implies.
func (s *ImportService) flushBatch(ctx context.Context, parkID int64, batch []*models.Snapshot) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("throttle wait aborted: %w", err)
	}

	err := s.policy.Do(ctx, s.clock, func(ctx context.Context) error {
		return s.snapshots.CreateSnapshotsBatch(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	activity := DeriveParkActivity(parkID, batch)
	if len(activity) == 0 {
		return nil
	}

	err = s.policy.Do(ctx, s.clock, func(ctx context.Context) error {
		return s.snapshots.CreateParkActivityBatch(ctx, activity)
	})
	if err != nil {
		return fmt.Errorf("failed to insert activity batch: %w", err)
	}

	s.metrics.ImportRecordsTotal.Add(float64(len(batch)))
	return nil
}

// DeriveParkActivity rolls a batch of ride snapshots up into one
// park-level activity row per instant: how many rides reported, how
// many looked open, and whether the park appeared open at all.
func DeriveParkActivity(parkID int64, snapshots []*models.Snapshot) []*models.ParkActivitySnapshot {
	type counts struct {
		total int
		open  int
	}
	byInstant := make(map[time.Time]*counts)
	order := make([]time.Time, 0)

	for _, snap := range snapshots {
		at := snap.RecordedAt.UTC()
		c, ok := byInstant[at]
		if !ok {
			c = &counts{}
			byInstant[at] = c
			order = append(order, at)
		}
		c.total++
		if snap.ComputedIsOpen {
			c.open++
		}
	}

	activity := make([]*models.ParkActivitySnapshot, 0, len(order))
	for _, at := range order {
		c := byInstant[at]
		activity = append(activity, &models.ParkActivitySnapshot{
			ParkID:          parkID,
			RecordedAt:      at,
			ParkAppearsOpen: c.open > 0,
			RidesTotal:      c.total,
			RidesOpen:       c.open,
		})
	}

	return activity
}

// parkIDFromFilename extracts the park ID from park_<id>.ndjson
func parkIDFromFilename(filePath string) (int64, error) {
	fileName := filepath.Base(filePath)
	trimmed := strings.TrimSuffix(strings.TrimPrefix(fileName, "park_"), ".ndjson")
	parkID, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot extract park id from %s: %w", fileName, err)
	}
	return parkID, nil
}
