package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/rxclassify/internal/classifier"
	"github.com/tphakala/rxclassify/internal/dispatcher"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/logger"
)

// ImageFormField is the multipart field carrying the uploaded image.
const ImageFormField = "image"

// ClassifyResponse is returned for a successful classification.
type ClassifyResponse struct {
	RequestID string `json:"request_id"`
	classifier.Result
	Message   string  `json:"message"`
	ElapsedMs float64 `json:"elapsed_ms"`
}

// MemoryStats describes host and process memory.
type MemoryStats struct {
	TotalBytes      uint64  `json:"total_bytes"`
	AvailableBytes  uint64  `json:"available_bytes"`
	UsedPercent     float64 `json:"used_percent"`
	ProcessRSSBytes uint64  `json:"process_rss_bytes"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status        string       `json:"status"`
	Name          string       `json:"name"`
	Version       string       `json:"version,omitempty"`
	TargetLabel   string       `json:"target_label"`
	Overlap       string       `json:"overlap,omitempty"`
	Pending       int          `json:"pending"`
	Uptime        string       `json:"uptime"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Timestamp     string       `json:"timestamp"`
	Model         any          `json:"model,omitempty"`
	Memory        *MemoryStats `json:"memory,omitempty"`
}

// handleClassify accepts an image as multipart field "image" or as the raw
// request body, submits it and waits for its outcome.
func (s *Server) handleClassify(c echo.Context) error {
	if s.dispatcher == nil {
		return writeError(c, nil, "The classifier is not available.", http.StatusServiceUnavailable, "")
	}

	data, err := readImage(c)
	if err != nil {
		return writeError(c, err, "No image was provided.", http.StatusBadRequest, "")
	}

	outcomes := make(chan dispatcher.Outcome, 1)
	id := s.dispatcher.Submit(imagenorm.FromBytes(data), func(out dispatcher.Outcome) {
		outcomes <- out
		s.notify(out)
	})

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.RequestTimeout)
	defer cancel()

	select {
	case out := <-outcomes:
		if !out.Succeeded() {
			code := statusForError(out.Err)
			if code == http.StatusServiceUnavailable {
				c.Response().Header().Set("Retry-After", "1")
			}
			return writeError(c, out.Err, out.Message(), code, out.RequestID)
		}
		return c.JSON(http.StatusOK, ClassifyResponse{
			RequestID: out.RequestID,
			Result:    out.Result,
			Message:   out.Message(),
			ElapsedMs: float64(out.Elapsed.Microseconds()) / 1000,
		})
	case <-ctx.Done():
		GetLogger().Warn("classification did not finish in time",
			logger.String("request_id", id),
			logger.Duration("timeout", s.config.RequestTimeout))
		return writeError(c, ctx.Err(), "Classification is taking too long. Please try again.",
			http.StatusGatewayTimeout, id)
	}
}

// readImage returns the uploaded image bytes.
func readImage(c echo.Context) ([]byte, error) {
	req := c.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile(ImageFormField)
		if err != nil {
			return nil, fmt.Errorf("multipart field %q: %w", ImageFormField, err)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		return readNonEmpty(f)
	}
	return readNonEmpty(req.Body)
}

func readNonEmpty(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return data, nil
}

// handleHealth reports service status, model description and memory use.
func (s *Server) handleHealth(c echo.Context) error {
	uptime := time.Since(s.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Name:          s.settings.Main.Name,
		TargetLabel:   s.settings.Classifier.TargetLabel,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Timestamp:     time.Now().Format(time.RFC3339),
		Model:         s.modelInfo,
	}

	if s.buildInfo != nil {
		resp.Version = s.buildInfo.GetVersion()
	}

	if s.dispatcher == nil {
		resp.Status = "degraded"
	} else {
		resp.Overlap = string(s.dispatcher.Overlap())
		resp.Pending = s.dispatcher.Pending()
	}

	if s.memStats != nil {
		stats, err := s.memStats()
		if err != nil {
			GetLogger().Debug("memory stats unavailable", logger.Error(err))
		} else {
			resp.Memory = stats
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// captureMemoryStats reads host memory and the resident size of this process.
func captureMemoryStats() (*MemoryStats, error) {
	vmStat, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual memory stats: %w", err)
	}

	stats := &MemoryStats{
		TotalBytes:     vmStat.Total,
		AvailableBytes: vmStat.Available,
		UsedPercent:    vmStat.UsedPercent,
	}

	// Process RSS is best effort.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil { //nolint:gosec // G115: pid fits in int32
		if memInfo, err := proc.MemoryInfo(); err == nil {
			stats.ProcessRSSBytes = memInfo.RSS
		}
	}
	return stats, nil
}
