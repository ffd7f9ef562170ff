package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectCompareRequested carries a CompareRequest.
	SubjectCompareRequested = "amqpdiff.compare.requested"
	// SubjectReportCompleted carries a ReportCompleted once a run is stored.
	SubjectReportCompleted = "amqpdiff.report.completed"
	// SubjectCompareFailed carries a CompareFailed for fatal runs.
	SubjectCompareFailed = "amqpdiff.compare.failed"
	SubjectRegistered    = "swarm.agent.amqpdiff.registered"
)

// CompareRequest asks the service to diff two traffic logs it can read.
type CompareRequest struct {
	RunLabel   string `json:"run_label"`
	FirstPath  string `json:"first_path"`
	SecondPath string `json:"second_path"`
	Summarize  bool   `json:"summarize,omitempty"`
}

// ReportCompleted summarizes a finished run; the full document is fetched
// from the API by run id.
type ReportCompleted struct {
	RunID           string         `json:"run_id"`
	RunLabel        string         `json:"run_label"`
	FirstPath       string         `json:"first_path"`
	SecondPath      string         `json:"second_path"`
	Total           int            `json:"total"`
	ByCategory      map[string]int `json:"by_category"`
	BySeverity      map[string]int `json:"by_severity"`
	Worst           string         `json:"worst,omitempty"`
	Unresolved      int            `json:"unresolved"`
	NarrativeStatus string         `json:"narrative_status"`
}

type CompareFailed struct {
	RunLabel   string `json:"run_label"`
	FirstPath  string `json:"first_path"`
	SecondPath string `json:"second_path"`
	Error      string `json:"error"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("amqpdiff"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe registers handler on a queue group so that several replicas
// share the work of one subject.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, "amqpdiff", func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Connected() bool { return c.conn.IsConnected() }

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
