package server

import (
	"archive/zip"
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	ingestdomain "github.com/scoutlabs/medallion/internal/ingest/domain"
)

const (
	maxBatchBytes   = 32 << 20
	maxArchiveBytes = 128 << 20
)

// IngestEvent accepts one raw POS event. Re-delivery of a known
// transaction_id returns 200 with duplicate=true instead of a second row.
func (s *Server) IngestEvent(c *gin.Context) {
	var input ingestdomain.RawEventInput
	if err := c.ShouldBindJSON(&input); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.ingestSvc.Ingest(c.Request.Context(), input)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// IngestBatch accepts a newline-delimited JSON body, one event per line.
func (s *Server) IngestBatch(c *gin.Context) {
	sourceFile := c.Query("source_file")
	if sourceFile == "" {
		sourceFile = c.GetHeader("X-Source-File")
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxBatchBytes)
	result, err := s.ingestSvc.IngestBatch(c.Request.Context(), body, sourceFile)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// IngestArchive accepts a zip of JSON/JSONL drop files, as produced by the
// nightly edge export.
func (s *Server) IngestArchive(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxArchiveBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.ingestSvc.IngestArchive(c.Request.Context(), zr)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ListEvents(c *gin.Context) {
	pageSize := 50
	if raw := c.Query("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		pageSize = parsed
	}

	resp, err := s.ingestSvc.List(c.Request.Context(), ingestdomain.ListEventsRequest{
		StoreID:   c.Query("store_id"),
		PageToken: c.Query("page_token"),
		PageSize:  int32(pageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
