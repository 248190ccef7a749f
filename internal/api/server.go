package api

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"meetscribe/finalize"
	"meetscribe/internal/config"
	"meetscribe/internal/service"
	"meetscribe/roster"
	"meetscribe/session"
	"meetscribe/tier2"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	Config       *config.Config
	SessionMgr   *session.Manager
	Orchestrator *finalize.Orchestrator
	Scheduler    *tier2.Scheduler
	RosterStore  *roster.Store
	Ingest       *service.IngestService

	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

func NewServer(
	cfg *config.Config,
	sessMgr *session.Manager,
	orch *finalize.Orchestrator,
	scheduler *tier2.Scheduler,
	rosterStore *roster.Store,
	ingest *service.IngestService,
) *Server {
	s := &Server{
		Config:       cfg,
		SessionMgr:   sessMgr,
		Orchestrator: orch,
		Scheduler:    scheduler,
		RosterStore:  rosterStore,
		Ingest:       ingest,
		clients:      make(map[*websocket.Conn]bool),
	}
	s.setupCallbacks()
	return s
}

func (s *Server) Start() {
	http.HandleFunc("/ws", s.handleWebSocket)
	http.HandleFunc("/api/sessions", s.handleSessions)
	http.HandleFunc("/api/sessions/", s.handleSessionsAPI)

	go s.startGRPCServer()

	log.Printf("Backend listening on :%s", s.Config.Port)
	if err := http.ListenAndServe(":"+s.Config.Port, nil); err != nil {
		log.Fatal("ListenAndServe:", err)
	}
}

func (s *Server) setupCallbacks() {
	// Прогресс этапов финализации
	s.SessionMgr.SetOnStageProgress(func(sessionID string, stage session.Stage) {
		s.broadcast(Message{
			Type:      "finalize_progress",
			SessionID: sessionID,
			Stage:     string(stage),
		})
	})

	// Смена статуса фонового уточнения
	s.SessionMgr.SetOnTier2Changed(func(sessionID string, status session.Tier2Status) {
		s.broadcast(Message{
			Type:      "tier2_status",
			SessionID: sessionID,
			Tier2:     &status,
		})
	})
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) == 0 {
		return
	}

	// Глобальная блокировка сериализует записи во все соединения:
	// WriteJSON не потокобезопасен per-connection
	for conn := range s.clients {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Write error: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade:", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Записи в это соединение из процессора сериализуются отдельно
	// от broadcast
	var writeMu sync.Mutex
	send := func(msg Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Write error: %v", err)
		}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Println("Read:", err)
			break
		}
		s.processMessage(send, msg)
	}
}

// processMessage обрабатывает команду клиента. Общий для WebSocket
// и gRPC Control стрима.
func (s *Server) processMessage(send func(Message), msg Message) {
	switch msg.Type {
	case "get_sessions":
		send(Message{Type: "sessions_list", Sessions: s.sessionInfos()})

	case "get_session":
		sess, err := s.SessionMgr.GetSession(msg.SessionID)
		if err != nil {
			send(Message{Type: "error", Error: err.Error()})
			return
		}
		send(Message{Type: "session_details", Session: sess.Clone()})

	case "create_session":
		sess, err := s.SessionMgr.CreateSession(session.Config{
			Title:        msg.Title,
			Tier2Enabled: msg.Tier2Enabled || s.Config.Tier2Enabled,
			Roster:       msg.Roster,
		})
		if err != nil {
			send(Message{Type: "error", Error: err.Error()})
			return
		}
		send(Message{Type: "session_created", Session: sess.Clone(), SessionID: sess.ID})

	case "delete_session":
		if s.Scheduler != nil {
			s.Scheduler.Cancel(msg.SessionID)
		}
		if s.Ingest != nil {
			s.Ingest.CloseArchive(msg.SessionID)
		}
		if err := s.SessionMgr.DeleteSession(msg.SessionID); err != nil {
			send(Message{Type: "error", Error: err.Error()})
			return
		}
		send(Message{Type: "session_deleted", SessionID: msg.SessionID})

	case "add_utterance", "add_segment", "audio_chunk":
		if s.Ingest == nil {
			send(Message{Type: "error", Error: "ingest is not configured"})
			return
		}
		s.processIngest(send, msg)

	case "finalize":
		// Прогресс этапов идёт через broadcast, результат — этому
		// клиенту по завершении
		go func() {
			s.prepareFinalize(msg.SessionID)
			result, err := s.Orchestrator.Run(context.Background(), msg.SessionID)
			if err != nil {
				send(Message{Type: "finalize_failed", SessionID: msg.SessionID, Error: err.Error()})
				return
			}
			send(Message{
				Type:       "finalize_done",
				SessionID:  msg.SessionID,
				Utterances: result.Utterances,
				Finalize:   finalizeInfo(result),
			})
		}()

	case "get_tier2":
		status, err := s.SessionMgr.Tier2StatusFor(msg.SessionID)
		if err != nil {
			send(Message{Type: "error", Error: err.Error()})
			return
		}
		send(Message{Type: "tier2_status", SessionID: msg.SessionID, Tier2: &status})

	case "add_correction":
		binding, err := s.addCorrection(msg)
		if err != nil {
			send(Message{Type: "error", Error: err.Error()})
			return
		}
		send(Message{Type: "correction_added", SessionID: msg.SessionID, Binding: binding})

	case "get_transcript":
		sess, err := s.SessionMgr.GetSession(msg.SessionID)
		if err != nil {
			send(Message{Type: "error", Error: err.Error()})
			return
		}
		send(Message{Type: "transcript", SessionID: msg.SessionID, Utterances: sess.Clone().Utterances})

	default:
		send(Message{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

// processIngest обрабатывает команды живого приёма
func (s *Server) processIngest(send func(Message), msg Message) {
	switch msg.Type {
	case "add_utterance":
		if msg.Utterance == nil {
			send(Message{Type: "error", Error: "utterance is required"})
			return
		}
		if err := s.Ingest.HandleUtterance(msg.SessionID, *msg.Utterance); err != nil {
			send(Message{Type: "error", SessionID: msg.SessionID, Error: err.Error()})
		}

	case "add_segment":
		if msg.Segment == nil {
			send(Message{Type: "error", Error: "segment is required"})
			return
		}
		samples, err := decodePCM(msg.Data)
		if err != nil {
			send(Message{Type: "error", SessionID: msg.SessionID, Error: err.Error()})
			return
		}
		if err := s.Ingest.HandleSegment(msg.SessionID, *msg.Segment, samples); err != nil {
			send(Message{Type: "error", SessionID: msg.SessionID, Error: err.Error()})
		}

	case "audio_chunk":
		samples, err := decodePCM(msg.Data)
		if err != nil {
			send(Message{Type: "error", SessionID: msg.SessionID, Error: err.Error()})
			return
		}
		if err := s.Ingest.WriteAudio(msg.SessionID, samples); err != nil {
			send(Message{Type: "error", SessionID: msg.SessionID, Error: err.Error()})
		}
	}
}

// prepareFinalize дожидается фоновых извлечений эмбеддингов и
// закрывает аудиоархив, чтобы фоновое уточнение читало полную запись
func (s *Server) prepareFinalize(sessionID string) {
	if s.Ingest == nil {
		return
	}
	s.Ingest.Drain()
	if err := s.Ingest.CloseArchive(sessionID); err != nil {
		log.Printf("Archive close failed for %s: %v", sessionID, err)
	}
}

// decodePCM разбирает base64 int16 LE PCM в float32 сэмплы
func decodePCM(data string) ([]float32, error) {
	if data == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.New("invalid base64 audio payload")
	}
	if len(raw)%2 != 0 {
		return nil, errors.New("odd-length PCM payload")
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(v) / float32(math.MaxInt16)
	}
	return samples, nil
}

// addCorrection валидирует и сохраняет ручную привязку
func (s *Server) addCorrection(msg Message) (*session.ManualBinding, error) {
	if msg.TargetID == "" {
		return nil, errors.New("targetId is required")
	}
	if msg.Participant == "" && msg.ParticipantID == "" {
		return nil, errors.New("participant or participantId is required")
	}

	name := msg.Participant
	if msg.ParticipantID != "" {
		p, err := s.RosterStore.Get(msg.ParticipantID)
		if err != nil {
			return nil, err
		}
		name = p.Name
	}

	return s.SessionMgr.AddManualBinding(msg.SessionID, session.ManualBinding{
		TargetID:      msg.TargetID,
		ParticipantID: msg.ParticipantID,
		Participant:   name,
	})
}

func (s *Server) sessionInfos() []*SessionInfo {
	sessions := s.SessionMgr.ListSessions()
	infos := make([]*SessionInfo, len(sessions))
	for i, live := range sessions {
		sess := live.Clone()
		info := &SessionInfo{
			ID:             sess.ID,
			StartTime:      sess.StartTime,
			Status:         string(sess.Status),
			Title:          sess.Title,
			UtteranceCount: len(sess.Utterances),
			Tier2:          sess.Tier2,
		}
		if sess.Report != nil {
			info.ReportVersion = sess.Report.Version
		}
		infos[i] = info
	}
	return infos
}

func finalizeInfo(result *finalize.Result) *FinalizeInfo {
	info := &FinalizeInfo{
		StageReached:       result.StageReached,
		ClusterCount:       len(result.Clusters),
		Confidence:         result.Confidence,
		ClusteringDegraded: result.ClusteringDegraded,
	}
	if result.Report != nil {
		info.ReportVersion = result.Report.Version
	}
	return info
}

// --- HTTP API ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.sessionInfos())
	case http.MethodPost:
		var req struct {
			Title        string   `json:"title"`
			Tier2Enabled bool     `json:"tier2Enabled"`
			Roster       []string `json:"roster"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		sess, err := s.SessionMgr.CreateSession(session.Config{
			Title:        req.Title,
			Tier2Enabled: req.Tier2Enabled || s.Config.Tier2Enabled,
			Roster:       req.Roster,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionsAPI(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, op, _ := strings.Cut(path, "/")
	if sessionID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case op == "" && r.Method == http.MethodGet:
		sess, err := s.SessionMgr.GetSession(sessionID)
		if err != nil {
			httpError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Clone())

	case op == "" && r.Method == http.MethodDelete:
		if s.Scheduler != nil {
			s.Scheduler.Cancel(sessionID)
		}
		if err := s.SessionMgr.DeleteSession(sessionID); err != nil {
			httpError(w, http.StatusConflict, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case op == "finalize" && r.Method == http.MethodPost:
		s.handleFinalize(w, r, sessionID)

	case op == "tier2" && r.Method == http.MethodGet:
		status, err := s.SessionMgr.Tier2StatusFor(sessionID)
		if err != nil {
			httpError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, status)

	case op == "corrections" && r.Method == http.MethodPost:
		s.handleCorrection(w, r, sessionID)

	case op == "transcript" && r.Method == http.MethodGet:
		sess, err := s.SessionMgr.GetSession(sessionID)
		if err != nil {
			httpError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Clone().Utterances)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, sessionID string) {
	s.prepareFinalize(sessionID)
	result, err := s.Orchestrator.Run(r.Context(), sessionID)
	if err != nil {
		var stageErr *finalize.StageError
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, session.ErrFinalizeInProgress) {
			status = http.StatusConflict
		}
		resp := map[string]any{"error": err.Error()}
		if errors.As(err, &stageErr) {
			resp["stage"] = stageErr.Stage
			resp["lastCompletedStage"] = stageErr.LastCompleted
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stageReached":       result.StageReached,
		"utterances":         result.Utterances,
		"clusters":           result.Clusters,
		"confidence":         result.Confidence,
		"clusteringDegraded": result.ClusteringDegraded,
		"report":             result.Report,
	})
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req struct {
		TargetID      string `json:"targetId"`
		Participant   string `json:"participant"`
		ParticipantID string `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	binding, err := s.addCorrection(Message{
		SessionID:     sessionID,
		TargetID:      req.TargetID,
		Participant:   req.Participant,
		ParticipantID: req.ParticipantID,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		httpError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
