package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "chainflow/config"
	"chainflow/internal/metrics"
	"chainflow/logger"
	"chainflow/models"
)

const archiveMaxBuffer = 5000

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// candleRow is the parquet schema for archived candles.
type candleRow struct {
	Token       string  `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe   string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowStart int64   `parquet:"name=window_start, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open        float64 `parquet:"name=open, type=DOUBLE"`
	High        float64 `parquet:"name=high, type=DOUBLE"`
	Low         float64 `parquet:"name=low, type=DOUBLE"`
	Close       float64 `parquet:"name=close, type=DOUBLE"`
	Volume      float64 `parquet:"name=volume, type=DOUBLE"`
	QuoteVolume float64 `parquet:"name=quote_volume, type=DOUBLE"`
	TradeCount  int64   `parquet:"name=trade_count, type=INT64"`
	BuyCount    int64   `parquet:"name=buy_count, type=INT64"`
	SellCount   int64   `parquet:"name=sell_count, type=INT64"`
	Version     int64   `parquet:"name=version, type=INT64"`
}

// ArchiveWriter buffers sealed candles per timeframe and periodically
// uploads them to S3 as snappy-compressed parquet, date-partitioned for
// downstream table scans.
type ArchiveWriter struct {
	config   *appconfig.Config
	recChan  <-chan models.DerivedRecord
	s3Client *s3.Client
	bucket   string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	buffer      map[string][]models.Candle
	lastFlush   map[string]time.Time
	flushTicker *time.Ticker
	log         *logger.Log
}

// NewArchiveWriter builds the S3 client from config and prepares the
// buffering structures.
func NewArchiveWriter(cfg *appconfig.Config, recChan <-chan models.DerivedRecord) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	if !cfg.Archive.S3.Enabled {
		return nil, fmt.Errorf("s3 archive is disabled")
	}

	bucket := strings.TrimSpace(cfg.Archive.S3.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Archive.S3.Region)}
	if cfg.Archive.S3.AccessKeyID != "" && cfg.Archive.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Archive.S3.AccessKeyID,
				cfg.Archive.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Archive.S3.PathStyle
	})

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Archive.S3.Region,
		"endpoint":   cfg.Archive.S3.Endpoint,
		"path_style": cfg.Archive.S3.PathStyle,
	}).Info("archive writer initialized")

	return &ArchiveWriter{
		config:    cfg,
		recChan:   recChan,
		s3Client:  s3Client,
		bucket:    bucket,
		buffer:    make(map[string][]models.Candle),
		lastFlush: make(map[string]time.Time),
		log:       log,
	}, nil
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.buffer = make(map[string][]models.Candle)
	w.lastFlush = make(map[string]time.Time)
	w.flushTicker = time.NewTicker(w.config.Archive.S3.FlushInterval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushWorker()

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flush_interval": w.config.Archive.S3.FlushInterval.String(),
	}).Info("archive writer started")
	return nil
}

func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	ticker := w.flushTicker
	w.flushTicker = nil
	w.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}

	// The ingest worker drains until the archive channel closes; the
	// flush worker exits on cancel. Cancel first or Wait never returns.
	w.cancel()
	w.wg.Wait()
	w.flushAll("stop")
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()
	for rec := range w.recChan {
		w.add(rec)
	}
	// Egress channel closed, flush what accumulated before the flush
	// worker exits too.
	w.flushAll("channel_closed")
}

func (w *ArchiveWriter) flushWorker() {
	defer w.wg.Done()
	w.mu.Lock()
	ticker := w.flushTicker
	w.mu.Unlock()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushTimedOut()
		}
	}
}

func (w *ArchiveWriter) add(rec models.DerivedRecord) {
	if rec.Subject != models.SubjectCandles {
		return
	}
	var c models.Candle
	if err := json.Unmarshal(rec.Payload, &c); err != nil {
		w.log.WithComponent("archive_writer").WithError(err).Warn("dropping undecodable candle record")
		return
	}

	key := c.Timeframe
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], c)
	if _, ok := w.lastFlush[key]; !ok {
		w.lastFlush[key] = time.Now()
	}
	shouldFlush := len(w.buffer[key]) >= archiveMaxBuffer
	w.mu.Unlock()

	if shouldFlush {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) flushTimedOut() {
	now := time.Now()
	interval := w.config.Archive.S3.FlushInterval

	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for key, entries := range w.buffer {
		if len(entries) == 0 {
			continue
		}
		if now.Sub(w.lastFlush[key]) >= interval {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) flushAll(reason string) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for key, entries := range w.buffer {
		if len(entries) > 0 {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(keys),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for _, key := range keys {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) flushKey(key string) {
	w.mu.Lock()
	entries := w.buffer[key]
	if len(entries) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, key)
	delete(w.lastFlush, key)
	w.mu.Unlock()

	data, size, err := w.createParquet(entries)
	if err != nil {
		metrics.IncrementSinkError("archive")
		w.log.WithComponent("archive_writer").WithError(err).Error("failed to build parquet for candle batch")
		return
	}

	s3Key := w.generateS3Key(key, entries)
	if err := w.upload(s3Key, data); err != nil {
		metrics.IncrementSinkError("archive")
		w.log.WithComponent("archive_writer").WithError(err).WithFields(logger.Fields{
			"s3_key": s3Key,
		}).Error("failed to upload candle batch")
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"s3_key":  s3Key,
		"records": len(entries),
		"bytes":   size,
	}).Info("candle batch uploaded")
}

func (w *ArchiveWriter) createParquet(entries []models.Candle) ([]byte, int64, error) {
	mf := newArchiveMemFile()
	pw, err := writer.NewParquetWriter(mf, new(candleRow), 1)
	if err != nil {
		return nil, 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, c := range entries {
		row := candleRow{
			Token:       c.Token,
			Timeframe:   c.Timeframe,
			WindowStart: c.WindowStart,
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      c.Volume,
			QuoteVolume: c.QuoteVolume,
			TradeCount:  int64(c.TradeCount),
			BuyCount:    int64(c.BuyCount),
			SellCount:   int64(c.SellCount),
			Version:     c.Version,
		}
		if err := pw.Write(row); err != nil {
			return nil, 0, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, err
	}

	data := mf.Bytes()
	return data, int64(len(data)), nil
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}

	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

func (w *ArchiveWriter) generateS3Key(timeframe string, entries []models.Candle) string {
	var latest time.Time
	for _, c := range entries {
		if c.WindowStart > 0 {
			ts := time.UnixMilli(c.WindowStart)
			if ts.After(latest) {
				latest = ts
			}
		}
	}
	if latest.IsZero() {
		latest = time.Now()
	}
	latest = latest.UTC()

	parts := []string{}
	if prefix := strings.Trim(w.config.Archive.S3.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		fmt.Sprintf("timeframe=%s", timeframe),
		fmt.Sprintf("date=%04d-%02d-%02d", latest.Year(), latest.Month(), latest.Day()),
	)

	filename := fmt.Sprintf("candles_%s_%s_%s.parquet",
		timeframe, latest.Format("20060102150405"), uuid.NewString()[:8])
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
