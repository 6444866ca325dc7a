package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

const ServiceWhatsApp = "whatsapp"

// WhatsAppNotifier рассылает текстовые уведомления ревьюерам (Cloud API формат).
type WhatsAppNotifier struct {
	recipients []string
	caller     Caller
	logger     *zap.Logger
}

func NewWhatsAppNotifier(cfg infra.UpstreamConfig, logger *zap.Logger) *WhatsAppNotifier {
	hc := NewHTTPCaller(ServiceWhatsApp, cfg.URL, map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}, cfg.Timeout)
	return &WhatsAppNotifier{
		recipients: cfg.Recipients,
		caller:     NewReliabilityWrapper(ServiceWhatsApp, hc, cfg, logger),
		logger:     logger.Named("whatsapp"),
	}
}

type whatsAppText struct {
	Body string `json:"body"`
}

type whatsAppMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsAppText `json:"text"`
}

// Notify отправляет сообщение всем получателям. Ошибки по получателям собираются в одну.
func (n *WhatsAppNotifier) Notify(ctx context.Context, message string) error {
	if len(n.recipients) == 0 {
		return nil
	}

	var errs []error
	for _, to := range n.recipients {
		payload, err := json.Marshal(whatsAppMessage{
			MessagingProduct: "whatsapp",
			To:               to,
			Type:             "text",
			Text:             whatsAppText{Body: message},
		})
		if err != nil {
			return err
		}
		if _, err := n.caller.Call(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("recipient %s: %w", to, err))
			continue
		}
		n.logger.Debug("notification sent", zap.String("to", to))
	}
	return errors.Join(errs...)
}
