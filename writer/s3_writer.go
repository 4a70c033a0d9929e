package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// quoteRecord is one price level of a published quote. Every quote is stored
// as depth rows per side, zero padded like the wire record.
type quoteRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Valid     bool    `parquet:"name=valid, type=BOOLEAN"`
	SourceSeq int64   `parquet:"name=source_seq, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rank      int32   `parquet:"name=rank, type=INT32"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	EventTime int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer archives quotes as parquet objects, one object per instrument per
// flush. Buffers flush when they reach storage.s3.flush_size quotes, on the
// flush interval, and on Close.
type S3Writer struct {
	cfg      *appconfig.Config
	s3Client objectPutter
	depth    int
	buffer   map[string][]models.Quote
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	log      *logger.Log
	now      func() time.Time
}

// NewS3Writer loads AWS configuration and starts the interval flush loop.
func NewS3Writer(ctx context.Context, cfg *appconfig.Config) (*S3Writer, error) {
	scfg := cfg.Storage.S3
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(scfg.Region)}
	if scfg.AccessKeyID != "" && scfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				scfg.AccessKeyID,
				scfg.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if scfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(scfg.Endpoint)
		}
		o.UsePathStyle = scfg.PathStyle
	})

	w := newS3Writer(cfg, client)
	w.start(ctx)
	return w, nil
}

func newS3Writer(cfg *appconfig.Config, client objectPutter) *S3Writer {
	return &S3Writer{
		cfg:      cfg,
		s3Client: client,
		depth:    cfg.Engine.TopN,
		buffer:   make(map[string][]models.Quote),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

func (w *S3Writer) start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	interval := w.cfg.Storage.S3.FlushInterval
	if interval <= 0 {
		return
	}
	w.wg.Add(1)
	go w.flushLoop(interval)
}

func (w *S3Writer) Name() string { return "s3" }

func (w *S3Writer) Write(ctx context.Context, quotes []models.Quote) error {
	var full [][]models.Quote
	w.mu.Lock()
	for _, q := range quotes {
		key := q.Instrument.Key()
		w.buffer[key] = append(w.buffer[key], q)
		if n := len(w.buffer[key]); w.cfg.Storage.S3.FlushSize > 0 && n >= w.cfg.Storage.S3.FlushSize {
			full = append(full, w.buffer[key])
			delete(w.buffer, key)
		}
	}
	w.mu.Unlock()

	var firstErr error
	for _, batch := range full {
		if err := w.upload(ctx, batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops the flush loop and uploads everything still buffered.
func (w *S3Writer) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	return w.flushAll(context.Background())
}

func (w *S3Writer) flushLoop(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.flushAll(w.ctx); err != nil && w.ctx.Err() == nil {
				w.log.WithComponent("s3_writer").WithError(err).Warn("interval flush failed")
			}
		}
	}
}

func (w *S3Writer) flushAll(ctx context.Context) error {
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for k := range w.buffer {
		keys = append(keys, k)
	}
	w.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := w.flushBuffer(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *S3Writer) flushBuffer(ctx context.Context, key string) error {
	w.mu.Lock()
	quotes := w.buffer[key]
	if len(quotes) == 0 {
		w.mu.Unlock()
		return nil
	}
	delete(w.buffer, key)
	w.mu.Unlock()

	return w.upload(ctx, quotes)
}

func (w *S3Writer) upload(ctx context.Context, quotes []models.Quote) error {
	data, err := w.createParquet(quotes)
	if err != nil {
		w.log.WithComponent("s3_writer").WithError(err).Error("create parquet failed")
		return err
	}
	objectKey := w.s3Key(quotes[0].Instrument, w.now().UTC())
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Storage.S3.Bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	}
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		w.log.WithComponent("s3_writer").WithError(err).WithFields(logger.Fields{"s3_key": objectKey}).Error("upload to s3 failed")
		return fmt.Errorf("put %s: %w", objectKey, err)
	}
	for range quotes {
		logger.IncrementQuotePublished(w.Name(), len(data)/len(quotes))
	}
	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"s3_key": objectKey,
		"quotes": len(quotes),
		"bytes":  len(data),
	}).Info("quote batch uploaded")
	return nil
}

func (w *S3Writer) createParquet(quotes []models.Quote) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := pqwriter.NewParquetWriter(mw, new(quoteRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, q := range quotes {
		for _, rec := range w.records(q) {
			if err := pw.Write(rec); err != nil {
				return nil, err
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (w *S3Writer) records(q models.Quote) []quoteRecord {
	out := make([]quoteRecord, 0, 2*w.depth)
	for _, side := range []models.Side{models.Bid, models.Ask} {
		levels := q.Bids
		if side == models.Ask {
			levels = q.Asks
		}
		for i := 0; i < w.depth || i < len(levels); i++ {
			rec := quoteRecord{
				Exchange:  q.Instrument.Exchange,
				Symbol:    q.Instrument.Symbol,
				Valid:     q.Valid,
				SourceSeq: q.SourceSeq,
				Side:      side.String(),
				Rank:      int32(i + 1),
				EventTime: q.EventTimeMs,
				Timestamp: q.Timestamp.UnixMilli(),
			}
			if i < len(levels) {
				rec.Price = levels[i].Price.InexactFloat64()
				rec.Quantity = levels[i].Quantity.InexactFloat64()
			}
			out = append(out, rec)
		}
	}
	return out
}

func (w *S3Writer) s3Key(inst models.Instrument, ts time.Time) string {
	return path.Join(
		w.cfg.Storage.S3.Prefix,
		fmt.Sprintf("exchange=%s", inst.Exchange),
		fmt.Sprintf("symbol=%s", inst.Symbol),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("quotes_%d_%s.parquet", ts.UnixNano(), uuid.New().String()),
	)
}
