// Package server provides the Echo web front end for the beat library.
// It is glue only: every route delegates to the service and renders its
// result or maps its error kind to a status code.
package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tunefind/tunefind/pkg/audio"
	"github.com/tunefind/tunefind/pkg/service"
)

// New builds the Echo instance with all routes registered.
func New(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := &handler{svc: svc}

	// Routes
	e.GET("/health", h.health)
	e.GET("/diagnostics", h.diagnostics)
	e.GET("/uploads", h.list)
	e.POST("/upload", h.upload)
	e.POST("/search", h.search)
	e.POST("/uploads/delete", h.deleteAll)
	e.POST("/uploads/delete-one", h.deleteOne)

	return e
}

// Run starts the web server on the given address.
func Run(svc *service.Service, addr string) error {
	return New(svc).Start(addr)
}

type handler struct {
	svc *service.Service
}

func (h *handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) diagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Diagnose())
}

func (h *handler) list(c echo.Context) error {
	ownerID := c.QueryParam("owner_id")
	result, err := h.svc.List(ownerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handler) upload(c echo.Context) error {
	ownerID := c.FormValue("owner_id")

	opts := service.UploadOptions{
		Key:           c.FormValue("key"),
		SkipDuplicate: c.FormValue("skip_duplicates") == "1",
	}
	if raw := c.FormValue("bpm"); raw != "" {
		bpm, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "bpm must be an integer")
		}
		opts.BPM = bpm
	}

	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart/form-data")
	}
	files := form.File["file"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}

	results := make([]service.UploadResult, 0, len(files))
	for _, fh := range files {
		data, err := readUpload(fh)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		result, err := h.svc.Upload(ownerID, fh.Filename, data, opts)
		if err != nil {
			return httpError(err)
		}
		results = append(results, result)
	}

	if len(results) == 1 {
		return c.JSON(http.StatusOK, results[0])
	}
	return c.JSON(http.StatusOK, map[string]any{"uploaded": results, "count": len(results)})
}

func (h *handler) search(c echo.Context) error {
	ownerID := c.FormValue("owner_id")

	topK := 5
	if raw := c.FormValue("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "top_k must be an integer")
		}
		topK = k
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	data, err := readUpload(fh)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.svc.Search(ownerID, data, topK)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handler) deleteAll(c echo.Context) error {
	ownerID := c.FormValue("owner_id")
	count, err := h.svc.DeleteAll(ownerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": count})
}

func (h *handler) deleteOne(c echo.Context) error {
	ownerID := c.FormValue("owner_id")
	beatID := c.FormValue("beat_id")
	removed, err := h.svc.Delete(ownerID, beatID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": removed})
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// httpError maps service error kinds to HTTP status codes.
func httpError(err error) error {
	var decodeErr *audio.DecodeError
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrEmptyLibrary):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrDependencyMissing):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &decodeErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
