package upstreamstub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"microtaskhub/internal/models"
)

// Options describes how the fake services should behave.
type Options struct {
	// Token is the bearer token required on every /users and /tasks call. If
	// empty, the check is skipped.
	Token string
}

// Request is one call recorded by the stub.
type Request struct {
	Method        string
	Path          string
	RawQuery      string
	Host          string
	Authorization string
	Header        http.Header
	Body          []byte
	Status        int
	Timestamp     time.Time
}

// Services hosts a single httptest.Server that answers for both the user
// and the task service.
type Services struct {
	server *httptest.Server
	opts   Options

	mu        sync.Mutex
	requests  []Request
	users     map[uuid.UUID]models.User
	userOrder []uuid.UUID
	tasks     map[uuid.UUID]models.Task
	taskOrder []uuid.UUID
}

// Start spins up the fake services using the provided options.
func Start(opts Options) *Services {
	s := &Services{
		opts:  opts,
		users: make(map[uuid.UUID]models.User),
		tasks: make(map[uuid.UUID]models.Task),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Services) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the HTTP base URL shared by both services.
func (s *Services) BaseURL() string {
	return s.server.URL
}

// Requests returns a copy of all recorded requests in the order they arrived.
func (s *Services) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// ResetRequests discards the recorded requests.
func (s *Services) ResetRequests() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

// AddUser seeds a user directly, bypassing HTTP.
func (s *Services) AddUser(email, fullName string, role models.Role) models.User {
	if role == "" {
		role = models.RoleMember
	}
	user := models.User{
		ID:        uuid.New(),
		Email:     email,
		FullName:  fullName,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.users[user.ID] = user
	s.userOrder = append(s.userOrder, user.ID)
	s.mu.Unlock()
	return user
}

// AddTask seeds a task directly, bypassing HTTP.
func (s *Services) AddTask(title string, status models.TaskStatus, assignee uuid.UUID) models.Task {
	now := time.Now().UTC()
	task := models.Task{
		ID:         uuid.New(),
		Title:      title,
		Status:     status,
		AssigneeID: assignee,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.taskOrder = append(s.taskOrder, task.ID)
	s.mu.Unlock()
	return task
}

// Task returns the stored task without the assignee projection.
func (s *Services) Task(id uuid.UUID) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	return task, ok
}

// User returns the stored user.
func (s *Services) User(id uuid.UUID) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	return user, ok
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (s *Services) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()

	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.record(Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			Host:          r.Host,
			Authorization: r.Header.Get("Authorization"),
			Header:        r.Header.Clone(),
			Body:          body,
			Status:        status,
		})
	}()

	if r.URL.Path == "/health" {
		writeJSON(sw, http.StatusOK, map[string]string{"status": "ok", "service": "stub"})
		return
	}
	if !s.expectBearer(sw, r) {
		return
	}

	collection, id, hasID := splitPath(r.URL.Path)
	switch {
	case collection == "users" && !hasID && r.Method == http.MethodGet:
		s.listUsers(sw)
	case collection == "users" && !hasID && r.Method == http.MethodPost:
		s.createUser(sw, body)
	case collection == "users" && hasID && r.Method == http.MethodGet:
		s.getUser(sw, id)
	case collection == "users" && hasID && r.Method == http.MethodPatch:
		s.updateUser(sw, id, body)
	case collection == "users" && hasID && r.Method == http.MethodDelete:
		s.deleteUser(sw, id)
	case collection == "tasks" && !hasID && r.Method == http.MethodGet:
		s.listTasks(sw, r)
	case collection == "tasks" && !hasID && r.Method == http.MethodPost:
		s.createTask(sw, body)
	case collection == "tasks" && hasID && r.Method == http.MethodGet:
		s.getTask(sw, r, id)
	case collection == "tasks" && hasID && r.Method == http.MethodPatch:
		s.updateTask(sw, id, body)
	case collection == "tasks" && hasID && r.Method == http.MethodDelete:
		s.deleteTask(sw, id)
	case collection == "users" || collection == "tasks":
		writeDetail(sw, http.StatusMethodNotAllowed, "Method Not Allowed")
	default:
		writeDetail(sw, http.StatusNotFound, "Not Found")
	}
}

func splitPath(path string) (collection, id string, hasID bool) {
	trimmed := strings.Trim(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	collection = parts[0]
	if len(parts) == 2 && parts[1] != "" {
		return collection, parts[1], true
	}
	return collection, "", false
}

func (s *Services) listUsers(w http.ResponseWriter) {
	s.mu.Lock()
	out := make([]models.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, s.users[id])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Services) createUser(w http.ResponseWriter, body []byte) {
	var req models.UserCreate
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.FullName) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "email and full_name are required")
		return
	}
	if req.Role != "" && req.Role != models.RoleMember && req.Role != models.RoleManager {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid role")
		return
	}
	if s.emailTaken(req.Email, uuid.Nil) {
		writeDetail(w, http.StatusConflict, "Email already exists")
		return
	}
	user := s.AddUser(req.Email, req.FullName, req.Role)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Services) getUser(w http.ResponseWriter, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	user, found := s.User(id)
	if !found {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Services) updateUser(w http.ResponseWriter, rawID string, body []byte) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	var req models.UserUpdate
	if err := json.Unmarshal(body, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid payload")
		return
	}
	if req.Email != nil && s.emailTaken(*req.Email, id) {
		writeDetail(w, http.StatusConflict, "Email already exists")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, found := s.users[id]
	if !found {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.FullName != nil {
		user.FullName = *req.FullName
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	s.users[id] = user
	writeJSON(w, http.StatusOK, user)
}

func (s *Services) deleteUser(w http.ResponseWriter, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.users[id]; !found {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	for _, task := range s.tasks {
		if task.AssigneeID == id && task.Status == models.StatusInProgress {
			writeDetail(w, http.StatusConflict, "User has in-progress tasks and cannot be deleted")
			return
		}
	}
	delete(s.users, id)
	s.userOrder = removeID(s.userOrder, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Services) listTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	assignee := query.Get("assignee_id")
	status := query.Get("status")

	s.mu.Lock()
	out := make([]models.Task, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if assignee != "" && task.AssigneeID.String() != assignee {
			continue
		}
		if status != "" && string(task.Status) != status {
			continue
		}
		task.Assignee = nil
		out = append(out, task)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

type taskCreateRequest struct {
	Title       string            `json:"title"`
	Description *string           `json:"description"`
	DueDate     *string           `json:"due_date"`
	Status      models.TaskStatus `json:"status"`
	AssigneeID  string            `json:"assignee_id"`
}

func (s *Services) createTask(w http.ResponseWriter, body []byte) {
	var req taskCreateRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "title is required")
		return
	}
	if req.Status == "" {
		req.Status = models.StatusTodo
	}
	if _, ok := models.ParseTaskStatus(string(req.Status)); !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid status value")
		return
	}
	assigneeID, err := uuid.Parse(req.AssigneeID)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "assignee_id must be a UUID")
		return
	}
	assignee, found := s.User(assigneeID)
	if !found {
		writeDetail(w, http.StatusUnprocessableEntity, "Assignee not found")
		return
	}

	task := s.AddTask(req.Title, req.Status, assigneeID)
	s.mu.Lock()
	task.Description = req.Description
	task.DueDate = req.DueDate
	s.tasks[task.ID] = task
	s.mu.Unlock()

	task.Assignee = summarize(assignee)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Services) getTask(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	task, found := s.Task(id)
	if !found {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	include := true
	if raw := r.URL.Query().Get("include_assignee"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "include_assignee must be a boolean")
			return
		}
		include = parsed
	}
	task.Assignee = nil
	if include {
		assignee, found := s.User(task.AssigneeID)
		if !found {
			writeDetail(w, http.StatusFailedDependency, "Assignee lookup failed")
			return
		}
		task.Assignee = summarize(assignee)
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Services) updateTask(w http.ResponseWriter, rawID string, body []byte) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, found := s.tasks[id]
	if !found {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	for key, raw := range fields {
		switch key {
		case "title":
			if err := json.Unmarshal(raw, &task.Title); err != nil || task.Title == "" {
				writeDetail(w, http.StatusUnprocessableEntity, "title must be a non-empty string")
				return
			}
		case "description":
			task.Description = decodeNullableString(raw)
		case "due_date":
			task.DueDate = decodeNullableString(raw)
		case "status":
			var status string
			_ = json.Unmarshal(raw, &status)
			parsed, ok := models.ParseTaskStatus(status)
			if !ok || string(parsed) != status {
				writeDetail(w, http.StatusUnprocessableEntity, "Invalid status value")
				return
			}
			task.Status = parsed
		case "assignee_id":
			var rawAssignee string
			_ = json.Unmarshal(raw, &rawAssignee)
			assigneeID, err := uuid.Parse(rawAssignee)
			if err != nil {
				writeDetail(w, http.StatusUnprocessableEntity, "Assignee not found")
				return
			}
			if _, exists := s.users[assigneeID]; !exists {
				writeDetail(w, http.StatusUnprocessableEntity, "Assignee not found")
				return
			}
			task.AssigneeID = assigneeID
		}
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
	writeJSON(w, http.StatusOK, task)
}

func (s *Services) deleteTask(w http.ResponseWriter, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, found := s.tasks[id]
	if !found {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	if task.Status != models.StatusDone {
		writeDetail(w, http.StatusConflict, "Only tasks marked as done can be deleted")
		return
	}
	delete(s.tasks, id)
	s.taskOrder = removeID(s.taskOrder, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Services) emailTaken(email string, except uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, user := range s.users {
		if id != except && strings.EqualFold(user.Email, email) {
			return true
		}
	}
	return false
}

func (s *Services) record(req Request) {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
}

func (s *Services) expectBearer(w http.ResponseWriter, r *http.Request) bool {
	expected := strings.TrimSpace(s.opts.Token)
	if expected == "" {
		return true
	}
	if got := r.Header.Get("Authorization"); got != fmt.Sprintf("Bearer %s", expected) {
		writeDetail(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid identifier")
		return uuid.Nil, false
	}
	return id, true
}

func summarize(user models.User) *models.UserSummary {
	return &models.UserSummary{ID: user.ID, Email: user.Email, FullName: user.FullName, Role: user.Role}
}

func decodeNullableString(raw json.RawMessage) *string {
	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}

func removeID(ids []uuid.UUID, target uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
