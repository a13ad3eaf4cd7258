package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/crawler"
	"image-compressor-go/internal/metadata"
	"image-compressor-go/internal/pipeline"
	"image-compressor-go/internal/progress"
	"image-compressor-go/internal/statistics"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	runID          string
	currentStats   *statistics.Statistics
	runs           sync.WaitGroup
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CompressRequest starts a folder compression. Zero values fall back to the
// server configuration.
type CompressRequest struct {
	SourceDirectory string  `json:"source_directory"`
	TargetDirectory string  `json:"target_directory"`
	Threads         *int    `json:"threads,omitempty"`
	Quality         float64 `json:"quality,omitempty"`
	SizeRatio       float64 `json:"size_ratio,omitempty"`
	Adaptive        bool    `json:"adaptive"`
	DeleteSource    bool    `json:"delete_source"`
	Overwrite       bool    `json:"overwrite"`
	SkipCompressed  bool    `json:"skip_compressed"`
}

type DirectoryInfo struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	ModifiedTime string `json:"modified_time"`
}

type FilesInfo struct {
	Path          string `json:"path"`
	Count         int    `json:"count"`
	TotalSize     int64  `json:"total_size"`
	TotalSizeText string `json:"total_size_human"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ProgressData is the payload of a "progress" websocket message.
type ProgressData struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

func NewServer(cfg *config.Config, log *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/directories", s.handleListDirectories).Methods("GET")
	api.HandleFunc("/files", s.handleListFiles).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down. A running compression is not interrupted.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Wait blocks until every started compression run has finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.isRunning
	runID := s.runID
	stats := s.currentStats
	s.operationMutex.RUnlock()

	var statsData interface{}
	if stats != nil {
		statsData = stats.Snapshot()
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":    running,
			"run_id":     runID,
			"statistics": statsData,
		},
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	fc, err := s.buildFolderCompressor(req)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.operationMutex.Lock()
	if s.isRunning {
		s.operationMutex.Unlock()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	runID := uuid.NewString()
	stats := statistics.NewStatistics()
	s.isRunning = true
	s.runID = runID
	s.currentStats = stats
	s.runs.Add(1)
	s.operationMutex.Unlock()

	fc.SetStatistics(stats)
	go s.runCompressAsync(runID, req, fc, stats)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression started",
		Data:    map[string]string{"run_id": runID},
	})
}

// buildFolderCompressor validates req against the server configuration.
func (s *Server) buildFolderCompressor(req CompressRequest) (*pipeline.FolderCompressor, error) {
	src := req.SourceDirectory
	if src == "" {
		src = s.cfg.SourceDirectory
	}
	if src == "" {
		return nil, errors.New("Source directory is required")
	}
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return nil, errors.New("Source directory does not exist")
	}

	dest := req.TargetDirectory
	if dest == "" {
		dest = s.cfg.TargetDirectory
	}
	if dest == "" {
		return nil, errors.New("Target directory is required")
	}

	threads := s.cfg.Threads
	if req.Threads != nil {
		threads = *req.Threads
	}
	if threads < 0 {
		return nil, errors.New("Threads must not be negative")
	}

	quality, ratio := s.cfg.Factor.Quality, s.cfg.Factor.SizeRatio
	if req.Quality != 0 {
		quality = req.Quality
	}
	if req.SizeRatio != 0 {
		ratio = req.SizeRatio
	}
	factor, err := compressor.NewFactor(quality, ratio)
	if err != nil {
		return nil, err
	}

	fc := pipeline.NewFolderCompressor(src, dest, s.log)
	fc.SetThreadCount(threads)
	fc.SetFactor(factor)
	if req.Adaptive || s.cfg.Factor.Adaptive {
		fc.SetFactorFunc(compressor.SizeBasedFactor)
	}
	fc.SetDeleteSource(req.DeleteSource || s.cfg.DeleteSource)
	fc.SetOverwrite(req.Overwrite || s.cfg.Overwrite)
	fc.SetSkipCompressed(req.SkipCompressed || s.cfg.Metadata.SkipCompressed)
	return fc, nil
}

func (s *Server) runCompressAsync(runID string, req CompressRequest, fc *pipeline.FolderCompressor, stats *statistics.Statistics) {
	defer s.runs.Done()
	log := s.log.WithField("run_id", runID)

	s.broadcastWSMessage("compress_started", map[string]interface{}{
		"run_id":           runID,
		"source_directory": req.SourceDirectory,
		"target_directory": req.TargetDirectory,
	})

	if s.cfg.Metadata.Preserve {
		copier, err := metadata.NewExifCopier()
		if err != nil {
			log.Warnf("Metadata will not be preserved: %v", err)
		} else {
			defer copier.Close()
			fc.SetMetadataWriter(copier)
		}
	}

	ch := progress.NewChannel()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for msg := range ch.C() {
			s.broadcastWSMessage("progress", ProgressData{RunID: runID, Message: msg})
		}
	}()
	fc.SetSink(progress.Multi(ch, progress.Log(log)))

	_, err := fc.Compress()
	ch.Close()
	<-forwarded

	s.operationMutex.Lock()
	s.isRunning = false
	s.operationMutex.Unlock()

	if err != nil {
		log.Errorf("Compression failed: %v", err)
		s.broadcastWSMessage("compress_error", map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		})
		return
	}
	s.broadcastWSMessage("compress_completed", map[string]interface{}{
		"run_id":     runID,
		"statistics": stats.Snapshot(),
		"summary":    stats.GetSummary(),
	})
}

func (s *Server) handleListDirectories(w http.ResponseWriter, r *http.Request) {
	path, ok := s.queryPath(w, r)
	if !ok {
		return
	}

	dirs, err := crawler.ListDirs(path)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read directory: %v", err), http.StatusInternalServerError)
		return
	}

	directories := make([]DirectoryInfo, 0, len(dirs))
	for _, d := range dirs {
		info, err := os.Stat(d)
		if err != nil {
			continue
		}
		directories = append(directories, DirectoryInfo{
			Path:         d,
			Name:         filepath.Base(d),
			ModifiedTime: info.ModTime().Format(time.RFC3339),
		})
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    directories,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	path, ok := s.queryPath(w, r)
	if !ok {
		return
	}

	files, err := crawler.ListFiles(path)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to list files: %v", err), http.StatusInternalServerError)
		return
	}

	var total int64
	for _, f := range files {
		if info, err := os.Stat(f); err == nil {
			total += info.Size()
		}
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: FilesInfo{
			Path:          path,
			Count:         len(files),
			TotalSize:     total,
			TotalSizeText: humanize.IBytes(uint64(total)),
		},
	})
}

// queryPath reads the path query parameter, rejecting parent references.
func (s *Server) queryPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	// Security check - prevent directory traversal
	path = filepath.Clean(path)
	if strings.Contains(path, "..") {
		s.writeError(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	return path, true
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	stats := s.currentStats
	s.operationMutex.RUnlock()

	if stats == nil {
		s.writeJSON(w, APIResponse{
			Success: true,
			Data:    nil,
		})
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary": stats.GetSummary(),
			"files":   stats.Snapshot(),
			"errors":  stats.GetErrors(),
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	// Remove client on disconnect
	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// clientCount returns the number of connected websocket clients.
func (s *Server) clientCount() int {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return len(s.wsClients)
}

// broadcastWSMessage writes one message to every client. Writes are
// serialized under wsMutex since a connection allows one writer at a time.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Warnf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
