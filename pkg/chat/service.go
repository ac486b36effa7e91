package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/adk/tool"
	"google.golang.org/genai"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
)

const (
	appName   = "deep-research"
	agentName = "research_assistant"
	userID    = "user"
)

const baseInstruction = `You answer questions about research that has already been carried out.
Use get_learnings to read what a research job found and search_sources to find supporting passages in the collected sources. Use read_source when a passage needs more context.
Only state facts you found with the tools, and cite the source URL after each fact. Group the answer by source:
# Source: <url>
- <fact>
- <fact>`

// ErrConversationNotFound is returned for an unknown conversation id.
var ErrConversationNotFound = errors.New("conversation not found")

type Service struct {
	config  *config.Config
	DB      *database.PostgresDB
	Client  *genai.Client
	Model   model.LLM
	Toolset tool.Toolset
}

type Conversation struct {
	ID        uuid.UUID  `json:"id"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// StreamEvent represents a single event in the chat stream
type StreamEvent struct {
	Type    string `json:"type"` // "content", "tool_call", "tool_result", "error", "done"
	Payload any    `json:"payload"`
}

func NewService(ctx context.Context, db *database.PostgresDB, cfg *config.Config, toolset tool.Toolset) (*Service, error) {
	if cfg.GoogleApiKey == "" {
		return nil, fmt.Errorf("chat requires GOOGLE_API_KEY")
	}
	clientCfg := &genai.ClientConfig{APIKey: cfg.GoogleApiKey, Backend: genai.BackendGeminiAPI}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	modelClient, err := gemini.NewModel(ctx, cfg.ReasoningModel, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	return &Service{
		config:  cfg,
		DB:      db,
		Client:  client,
		Model:   modelClient,
		Toolset: toolset,
	}, nil
}

// instruction scopes the agent to a research job when the conversation has one.
func instruction(jobID *uuid.UUID) string {
	if jobID == nil {
		return baseInstruction
	}
	return baseInstruction + fmt.Sprintf("\n\nThis conversation is about research job %s. Pass it as job_id to the tools unless the user asks about another job.", jobID)
}

func (s *Service) newAgent(jobID *uuid.UUID) (agent.Agent, error) {
	a, err := llmagent.New(llmagent.Config{
		Name:        agentName,
		Model:       s.Model,
		Description: "A research assistant answering from collected research.",
		Instruction: instruction(jobID),
		Toolsets:    []tool.Toolset{s.Toolset},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return a, nil
}

func (s *Service) CreateConversation(ctx context.Context, jobID *uuid.UUID) (*Conversation, error) {
	id := uuid.New()
	query := `INSERT INTO conversations (id, job_id) VALUES ($1, $2) RETURNING id, job_id, title, created_at, updated_at`

	conv := &Conversation{}
	err := s.DB.Pool.QueryRow(ctx, query, id, jobID).Scan(&conv.ID, &conv.JobID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context) ([]Conversation, error) {
	query := `SELECT id, job_id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`
	rows, err := s.DB.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.JobID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Service) getConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	conv := &Conversation{}
	err := s.DB.Pool.QueryRow(ctx,
		`SELECT id, job_id, title, created_at, updated_at FROM conversations WHERE id = $1`, id,
	).Scan(&conv.ID, &conv.JobID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) GetHistory(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	rows, err := s.DB.Pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SendMessage stores the user message, replays the stored history into a
// fresh session and streams the agent's answer.
func (s *Service) SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (iter.Seq2[StreamEvent, error], error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	history, err := s.GetHistory(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	if _, err := s.DB.Pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content) VALUES ($1, $2, 'user', $3)`,
		uuid.New(), conversationID, content); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	sessionSvc := session.InMemoryService()
	sessionID := conversationID.String()
	created, err := sessionSvc.Create(ctx, &session.CreateRequest{
		AppName:   appName,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	for _, msg := range history {
		if err := sessionSvc.AppendEvent(ctx, created.Session, historyEvent(msg)); err != nil {
			return nil, fmt.Errorf("failed to replay history: %w", err)
		}
	}

	researchAgent, err := s.newAgent(conv.JobID)
	if err != nil {
		return nil, err
	}
	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          researchAgent,
		SessionService: sessionSvc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	userContent := genai.NewContentFromText(content, genai.RoleUser)

	return func(yield func(StreamEvent, error) bool) {
		slog.Info("Starting agent run", "conversation_id", conversationID, "job_id", conv.JobID)
		runCfg := agent.RunConfig{StreamingMode: agent.StreamingModeSSE}

		var final strings.Builder
		sawPartial := false
		for event, err := range r.Run(ctx, userID, sessionID, userContent, runCfg) {
			if err != nil {
				slog.Error("Agent runner error", "error", err)
				yield(StreamEvent{Type: "error", Payload: err.Error()}, err)
				return
			}
			if event.LLMResponse.Content == nil {
				continue
			}
			for _, part := range event.LLMResponse.Content.Parts {
				var ev *StreamEvent
				switch {
				case part.Text != "":
					// The final event of a streamed turn repeats the chunks already sent.
					if !event.LLMResponse.Partial && sawPartial {
						continue
					}
					final.WriteString(part.Text)
					ev = &StreamEvent{Type: "content", Payload: part.Text}
				case part.FunctionCall != nil:
					slog.Info("Agent tool call", "tool", part.FunctionCall.Name)
					ev = &StreamEvent{Type: "tool_call", Payload: part.FunctionCall}
				case part.FunctionResponse != nil:
					slog.Info("Agent tool result", "tool", part.FunctionResponse.Name)
					ev = &StreamEvent{Type: "tool_result", Payload: part.FunctionResponse}
				}
				if ev != nil && !yield(*ev, nil) {
					return
				}
			}
			sawPartial = event.LLMResponse.Partial
		}

		slog.Info("Agent run completed", "conversation_id", conversationID)

		answer := final.String()
		if _, err := s.DB.Pool.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, role, content) VALUES ($1, $2, 'model', $3)`,
			uuid.New(), conversationID, answer); err != nil {
			slog.Error("Failed to save model message", "error", err)
		} else {
			_, _ = s.DB.Pool.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, conversationID)
		}

		yield(StreamEvent{Type: "done", Payload: "done"}, nil)

		if len(history) == 0 {
			go s.generateTitle(conversationID, content, answer)
		}
	}, nil
}

// historyEvent turns a stored message back into a session event.
func historyEvent(msg Message) *session.Event {
	role, author := genai.RoleUser, userID
	if msg.Role == "model" {
		role, author = genai.RoleModel, agentName
	}
	evt := session.NewEvent(uuid.NewString())
	evt.Author = author
	evt.LLMResponse = model.LLMResponse{
		Content: genai.NewContentFromText(msg.Content, genai.Role(role)),
	}
	return evt
}

func (s *Service) generateTitle(convID uuid.UUID, userMsg, modelMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prompt := fmt.Sprintf("Generate a short, concise title (max 5 words) for this chat conversation:\nUser: %s\nModel: %s", userMsg, modelMsg)

	resp, err := s.Client.Models.GenerateContent(ctx, s.config.FastModel, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: map[string]*genai.Schema{"title": {Type: genai.TypeString}},
			Required:   []string{"title"},
		},
	})
	if err != nil {
		slog.Error("Failed to generate conversation title", "error", err)
		return
	}

	var respData struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(resp.Text()), &respData); err != nil {
		slog.Error("Failed to unmarshal title generation response", "error", err, "raw_json", resp.Text())
		return
	}
	if respData.Title == "" {
		return
	}
	if _, err := s.DB.Pool.Exec(ctx, `UPDATE conversations SET title = $2 WHERE id = $1`, convID, respData.Title); err != nil {
		slog.Error("Failed to update conversation title", "error", err)
	}
}
