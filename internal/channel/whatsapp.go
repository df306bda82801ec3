package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/relaydesk/relaydesk/internal/models"
	"github.com/relaydesk/relaydesk/internal/store"
)

const (
	// DefaultWhatsAppDBPath is the default path for the whatsmeow session database.
	DefaultWhatsAppDBPath = "/var/lib/relaydesk/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppOpts holds configuration options for the direct WhatsApp sender.
type WhatsAppOpts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write the login QR code
	NumericCode bool   // use a numeric login code instead of a QR code
}

// WhatsAppOption defines a configuration option for the WhatsApp sender.
type WhatsAppOption func(*WhatsAppOpts)

// WithSessionDSN sets the whatsmeow session database connection string.
func WithSessionDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the specified path instead of stdout.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode uses a numeric login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppSender sends messages over a direct whatsmeow session instead of the
// Twilio API.
type WhatsAppSender struct {
	waClient *whatsmeow.Client
}

// NewWhatsAppSender creates and connects a direct WhatsApp sender. On first
// run it blocks on the pairing flow, printing the QR code (or numeric code)
// until the session is linked.
func NewWhatsAppSender(opts ...WhatsAppOption) (*WhatsAppSender, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsAppSender options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultWhatsAppDBPath
		slog.Debug("No WhatsApp session DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys on its SQLite store.
		if !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("WhatsApp session SQLite DSN does not enable foreign keys; whatsmeow recommends adding '?_foreign_keys=on'",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp session store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting pairing flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp pairing code received", "code", evt.Code)
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp pairing event", "event", evt.Event)
				fmt.Println("Login event:", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already paired, connecting to server")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp sender connected")
	return &WhatsAppSender{waClient: waClient}, nil
}

// Send delivers one message and returns the WhatsApp message id.
func (s *WhatsAppSender) Send(ctx context.Context, to string, body string) (string, error) {
	if s.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if body == "" {
		return "", models.ErrEmptyMessageBody
	}
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}

	jid := types.NewJID(canonical, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	resp, err := s.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("WhatsAppSender Send failed", "error", err, "to", canonical)
		return "", fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}
	slog.Debug("WhatsAppSender Send succeeded", "to", canonical, "id", resp.ID)
	return string(resp.ID), nil
}

// Close disconnects the underlying whatsmeow client.
func (s *WhatsAppSender) Close() error {
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	return nil
}
