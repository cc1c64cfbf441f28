package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/soyunomas/arpwarden/internal/config"
)

func buildSinks(cfg *config.AlertsConfig, sensor string) ([]sink, []func() error) {
	var sinks []sink
	var closers []func() error
	client := &http.Client{Timeout: sendTimeout}

	if cfg.Webhook.Enabled {
		url := cfg.Webhook.URL
		sinks = append(sinks, sink{"webhook", func(ctx context.Context, a Alert) error {
			return sendWebhook(ctx, client, url, a)
		}})
	}

	if cfg.SyslogServer != "" {
		server := cfg.SyslogServer
		sinks = append(sinks, sink{"syslog", func(ctx context.Context, a Alert) error {
			return sendSyslog(ctx, server, sensor, a)
		}})
	}

	if cfg.Smtp.Enabled {
		smtpCfg := cfg.Smtp
		sinks = append(sinks, sink{"smtp", func(_ context.Context, a Alert) error {
			return sendEmail(smtpCfg, sensor, a)
		}})
	}

	if cfg.Telegram.Enabled {
		url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.Telegram.Token)
		chatID := cfg.Telegram.ChatID
		sinks = append(sinks, sink{"telegram", func(ctx context.Context, a Alert) error {
			return sendTelegram(ctx, client, url, chatID, a)
		}})
	}

	if cfg.Kafka.Enabled {
		w := newKafkaWriter(cfg.Kafka)
		sinks = append(sinks, sink{"kafka", func(ctx context.Context, a Alert) error {
			return sendKafka(ctx, w, a)
		}})
		closers = append(closers, w.Close)
	}

	return sinks, closers
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// sendWebhook posts the structured alert. The "text" field keeps chat
// style webhooks working.
func sendWebhook(ctx context.Context, client *http.Client, url string, a Alert) error {
	return postJSON(ctx, client, url, a)
}

func sendTelegram(ctx context.Context, client *http.Client, url, chatID string, a Alert) error {
	return postJSON(ctx, client, url, map[string]string{
		"chat_id": chatID,
		"text":    a.Text,
	})
}

func sendSyslog(ctx context.Context, server, sensor string, a Alert) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return err
	}
	defer conn.Close()

	// <132> = facility local0, severity warning.
	_, err = fmt.Fprintf(conn, "<132>%s %s: %s", a.Timestamp.Format(time.RFC3339), sensor, a.Text)
	return err
}

func sendEmail(cfg config.SmtpConfig, sensor string, a Alert) error {
	auth := smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	subject := fmt.Sprintf("Subject: [%s] Network Alert\n", sensor)
	mime := "MIME-version: 1.0;\nContent-Type: text/plain; charset=\"UTF-8\";\n\n"
	body := []byte(subject + mime + a.Text)

	return smtp.SendMail(addr, auth, cfg.From, []string{cfg.To}, body)
}

func newKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

// sendKafka keys spoof alerts by victim IP so one victim's history stays
// on one partition.
func sendKafka(ctx context.Context, w *kafka.Writer, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}

	msg := kafka.Message{Value: data, Time: a.Timestamp}
	if a.Event != nil {
		msg.Key = []byte(a.Event.VictimIP)
	}
	return w.WriteMessages(ctx, msg)
}
