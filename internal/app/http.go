package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"civicportal/api/internal/auth"
	"civicportal/api/internal/authpw"
	"civicportal/api/internal/export"
	"civicportal/api/internal/inbox"
	"civicportal/api/internal/issue"
	"civicportal/api/internal/media"
	"civicportal/api/internal/search"
)

const streamKeepAlive = 25 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify-email" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.VerifyEmail(r.Context(), body.Token); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified successfully"})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"role":          session.Role,
			"departmentId":  session.DepartmentID,
			"hasProfile":    session.HasProfile,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
				return
			}
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "issues":
		s.handleIssues(w, r, parts)
		return
	case "notifications":
		s.handleNotifications(w, r, parts)
		return
	case "departments":
		if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "dashboard" {
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			dashboard, err := s.service.Dashboard(r.Context(), session, parts[2])
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, dashboard)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleIssues serves /api/issues and everything below it. Reads and writes
// accept anonymous callers; the issue core decides what they may do.
func (s *HTTPServer) handleIssues(w http.ResponseWriter, r *http.Request, parts []string) {
	session, ok := s.optionalSession(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			resp, err := s.service.ListIssues(r.Context(), searchQuery(r))
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		case http.MethodPost:
			var body CreateIssueInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			created, notice, err := s.service.CreateIssue(r.Context(), session, body)
			if err != nil {
				status, code, message, _ := mapError(err)
				writeJSON(w, status, map[string]any{"code": code, "error": message, "notice": notice})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"notice": notice, "issue": created})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	issueID := parts[2]
	ctx := r.Context()

	if len(parts) == 3 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		agg, err := s.service.Issue(ctx, session, issueID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agg)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "events":
		frames, release, err := s.service.WatchIssue(ctx, session, issueID)
		if err != nil {
			s.fail(w, err)
			return
		}
		defer release()
		stream(w, r, frames, func(f issue.Frame) string { return string(f.Kind) })

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "vote":
		result, err := s.service.ToggleVote(ctx, session, issueID)
		writeMutation(w, http.StatusOK, result, err)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "watch":
		result, err := s.service.ToggleWatch(ctx, session, issueID)
		writeMutation(w, http.StatusOK, result, err)

	case r.Method == http.MethodPatch && len(parts) == 4 && parts[3] == "status":
		var body struct {
			Status string `json:"status"`
			Note   string `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.UpdateIssueStatus(ctx, session, issueID, body.Status, body.Note)
		writeMutation(w, http.StatusOK, result, err)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "comments":
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.AddComment(ctx, session, issueID, body.Content)
		writeMutation(w, http.StatusCreated, result, err)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "updates":
		var body struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.AddUpdate(ctx, session, issueID, body.Type, body.Content)
		writeMutation(w, http.StatusCreated, result, err)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "solutions":
		var body struct {
			Title         string  `json:"title"`
			Description   string  `json:"description"`
			EstimatedCost float64 `json:"estimatedCost"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.AddSolution(ctx, session, issueID, body.Title, body.Description, body.EstimatedCost)
		writeMutation(w, http.StatusCreated, result, err)

	case r.Method == http.MethodPost && len(parts) == 6 && parts[3] == "solutions" && parts[5] == "vote":
		result, err := s.service.VoteSolution(ctx, session, issueID, parts[4])
		writeMutation(w, http.StatusOK, result, err)

	case r.Method == http.MethodPost && len(parts) == 6 && parts[3] == "solutions" && parts[5] == "status":
		var body struct {
			Status string `json:"status"`
			Note   string `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.UpdateSolutionStatus(ctx, session, issueID, parts[4], body.Status, body.Note)
		writeMutation(w, http.StatusOK, result, err)

	case r.Method == http.MethodPost && len(parts) == 6 && parts[3] == "solutions" && parts[5] == "official":
		result, err := s.service.MarkSolutionOfficial(ctx, session, issueID, parts[4])
		writeMutation(w, http.StatusOK, result, err)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "attachments":
		s.handleUpload(w, r, session, issueID)

	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "attachments":
		url, err := s.service.AttachmentURL(ctx, issueID, r.URL.Query().Get("key"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})

	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "export":
		s.handleExport(w, r, session, issueID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session, issueID string) {
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, media.ErrTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()

	attachment, err := s.service.UploadAttachment(r.Context(), session, issueID, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attachment)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, issueID string) {
	format := export.Format(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
	if format == "" {
		format = export.FormatPDF
	}
	includeComments, _ := strconv.ParseBool(r.URL.Query().Get("comments"))

	result, err := s.service.Export(r.Context(), session, export.Request{
		IssueID:         issueID,
		Format:          format,
		IncludeComments: includeComments,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, parts []string) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		frame, err := s.service.Notifications(ctx, session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, frame)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "events":
		frames, release, err := s.service.WatchNotifications(ctx, session)
		if err != nil {
			s.fail(w, err)
			return
		}
		defer release()
		stream(w, r, frames, func(inbox.Frame) string { return "inbox" })

	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "read-all":
		frame, err := s.service.MarkAllNotificationsRead(ctx, session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, frame)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "read":
		frame, err := s.service.MarkNotificationRead(ctx, session, parts[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, frame)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	response := map[string]any{
		"userId":  resp.Profile.ID,
		"message": "Please check your email to verify your account",
	}
	// Without SMTP the token is handed back so local setups can verify.
	if !s.service.EmailConfigured() {
		response["devVerificationToken"] = resp.VerificationToken
		response["message"] = "Account created. Verify your email to continue."
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, requiresVerify, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if requiresVerify {
		writeError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"departmentId": session.DepartmentID,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func searchQuery(r *http.Request) search.Query {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return search.Query{
		Text:         strings.TrimSpace(q.Get("q")),
		Type:         search.ResultType(q.Get("type")),
		Category:     q.Get("category"),
		Status:       q.Get("status"),
		DepartmentID: q.Get("departmentId"),
		Limit:        limit,
		Offset:       offset,
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return s.sessionFor(w, r, token)
}

// optionalSession resolves the caller when a token is present. A bad token is
// rejected rather than downgraded to anonymous.
func (s *HTTPServer) optionalSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, true
	}
	return s.sessionFor(w, r, token)
}

func (s *HTTPServer) sessionFor(w http.ResponseWriter, r *http.Request, token string) (Session, bool) {
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.log.Error("session lookup failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

// writeMutation writes the notice and snapshot of an issue write, on failure
// as well as on success.
func writeMutation(w http.ResponseWriter, status int, result MutationResult, err error) {
	if err != nil {
		status, code, message, _ := mapError(err)
		writeJSON(w, status, map[string]any{
			"code":   code,
			"error":  message,
			"notice": result.Notice,
			"issue":  result.Issue,
		})
		return
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing and deadlines.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// stream writes frames as server-sent events until the channel closes or the
// client goes away.
func stream[T any](w http.ResponseWriter, r *http.Request, frames <-chan T, event func(T) string) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case f, ok := <-frames:
			if !ok {
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event(f), data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
