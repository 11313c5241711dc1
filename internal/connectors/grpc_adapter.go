package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Методы capability-сервисов. Запрос и ответ — google.protobuf.Struct,
// поэтому сгенерированный клиент не нужен.
const (
	MethodAnalyze           = "/smartmail.capability.v1.AIService/Analyze"
	MethodGenerateResponse  = "/smartmail.capability.v1.AIService/GenerateResponse"
	MethodCheckAvailability = "/smartmail.capability.v1.CalendarService/CheckAvailability"
	MethodSendResponse      = "/smartmail.capability.v1.EmailService/SendResponse"

	defaultCallTimeout = 15 * time.Second
	defaultThrottle    = time.Second
)

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &GRPCAdapter{
		conn:    conn,
		timeout: timeout,
	}
}

func (a *GRPCAdapter) Analyze(ctx context.Context, email domain.Email) (domain.Analysis, error) {
	var out domain.Analysis
	err := a.call(ctx, MethodAnalyze, email, &out)
	return out, err
}

func (a *GRPCAdapter) CheckAvailability(ctx context.Context, start, end time.Time) ([]domain.TimeSlot, error) {
	var out struct {
		Slots []domain.TimeSlot `json:"slots"`
	}
	err := a.call(ctx, MethodCheckAvailability, domain.TimeSlot{Start: start, End: end}, &out)
	return out.Slots, err
}

func (a *GRPCAdapter) GenerateResponse(ctx context.Context, req domain.ResponseRequest) (domain.Reply, error) {
	var out domain.Reply
	err := a.call(ctx, MethodGenerateResponse, req, &out)
	return out, err
}

func (a *GRPCAdapter) SendResponse(ctx context.Context, emailID string, reply domain.Reply) error {
	in := struct {
		EmailID string       `json:"emailId"`
		Reply   domain.Reply `json:"reply"`
	}{emailID, reply}
	return a.call(ctx, MethodSendResponse, in, nil)
}

func (a *GRPCAdapter) call(ctx context.Context, method string, in, out interface{}) error {
	// 1. Доменная структура -> JSON -> Protobuf Struct
	req, err := toStruct(in)
	if err != nil {
		return err
	}

	// 2. Защитный таймаут на уровне вызова
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	md := []string{"source", domain.ComponentOrchestrator}
	if key := domain.IdempotencyKey(ctx); key != "" {
		md = append(md, "idempotency-key", key)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, md...)

	// 3. Выполняем gRPC вызов к сервису
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, method, req, resp); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return &ThrottleError{RetryAfter: defaultThrottle, Cause: err}
		}
		return fmt.Errorf("capability call %s failed: %w", method, err)
	}

	if out == nil {
		return nil
	}

	// 4. Ответ обратно в доменную структуру
	return fromStruct(resp, out)
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, out interface{}) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
