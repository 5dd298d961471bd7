package circuitbreaker

import (
	"context"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/retry"
)

// ProviderFailure counts an error against the provider unless it is a
// permanent rejection, which proves the provider is answering.
func ProviderFailure(err error) bool {
	return !retry.IsPermanent(err)
}

// ProtectedEmailTransport wraps an EmailTransport with a CircuitBreaker.
// An open circuit fails fast with ErrCircuitOpen, which the retry controller
// treats as transient.
type ProtectedEmailTransport struct {
	next    channel.EmailTransport
	breaker *CircuitBreaker
}

func NewProtectedEmailTransport(next channel.EmailTransport, breaker *CircuitBreaker) *ProtectedEmailTransport {
	return &ProtectedEmailTransport{next: next, breaker: breaker}
}

func (p *ProtectedEmailTransport) SendEmail(ctx context.Context, subject, body string, to []string) error {
	return p.breaker.Execute(func() error {
		return p.next.SendEmail(ctx, subject, body, to)
	})
}

// Breaker returns the underlying breaker.
func (p *ProtectedEmailTransport) Breaker() *CircuitBreaker { return p.breaker }

// ProtectedChatTransport wraps a ChatTransport with a CircuitBreaker.
type ProtectedChatTransport struct {
	next    channel.ChatTransport
	breaker *CircuitBreaker
}

func NewProtectedChatTransport(next channel.ChatTransport, breaker *CircuitBreaker) *ProtectedChatTransport {
	return &ProtectedChatTransport{next: next, breaker: breaker}
}

func (p *ProtectedChatTransport) SendMessage(ctx context.Context, chatID, text string) error {
	return p.breaker.Execute(func() error {
		return p.next.SendMessage(ctx, chatID, text)
	})
}

// Breaker returns the underlying breaker.
func (p *ProtectedChatTransport) Breaker() *CircuitBreaker { return p.breaker }
