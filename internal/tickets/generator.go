package tickets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"boxoffice/internal/logger"
	"boxoffice/internal/models"
	"boxoffice/internal/order/db"
	"boxoffice/internal/utils"
)

// ErrNotReady signals that the ticket file is still being rendered and the
// client should retry shortly.
var ErrNotReady = errors.New("ticket file is not ready yet")

// Payload is what ends up inside the QR code, AES-encrypted so gates can
// verify tickets offline without exposing the secret to the holder.
type Payload struct {
	OrderCode  string    `json:"order"`
	Position   int       `json:"position"`
	Secret     string    `json:"secret"`
	ItemID     string    `json:"item"`
	EventID    string    `json:"event"`
	ValidFrom  time.Time `json:"valid_from,omitempty"`
	ValidUntil time.Time `json:"valid_until,omitempty"`
}

// Generator renders ticket QR files asynchronously and keeps them keyed by
// position secret, so rotating the secrets invalidates every cached file.
type Generator struct {
	secret []byte
	store  *db.DB
	log    *logger.Logger

	mu      sync.Mutex
	files   map[string][]byte
	pending map[string]bool
}

func NewGenerator(secret string, store *db.DB, log *logger.Logger) *Generator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &Generator{
		secret:  hashed[:],
		store:   store,
		log:     log,
		files:   make(map[string][]byte),
		pending: make(map[string]bool),
	}
}

// Get returns the rendered ticket for one position. The first call kicks off
// rendering in the background and returns ErrNotReady.
func (g *Generator) Get(ctx context.Context, orderID string, positionID int) ([]byte, error) {
	order, err := g.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPaid && !(order.Status == models.OrderStatusPending && order.ValidIfPending) {
		return nil, models.NewOrderError(models.KindStateConflict,
			"order %s is %s, tickets are only issued for valid orders", order.Code, order.Status)
	}

	var pos *models.OrderPosition
	for _, p := range order.Positions {
		if p.PositionID == positionID && !p.Canceled {
			pos = p
			break
		}
	}
	if pos == nil {
		return nil, models.ErrNotFound
	}
	if pos.Blocked {
		return nil, models.NewOrderError(models.KindStateConflict,
			"position %d of order %s is blocked", positionID, order.Code)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if file, ok := g.files[pos.Secret]; ok {
		return file, nil
	}
	if !g.pending[pos.Secret] {
		g.pending[pos.Secret] = true
		go g.render(order, pos)
	}
	return nil, ErrNotReady
}

func (g *Generator) render(order *models.Order, pos *models.OrderPosition) {
	payload := Payload{
		OrderCode:  order.Code,
		Position:   pos.PositionID,
		Secret:     pos.Secret,
		ItemID:     pos.ItemID,
		EventID:    order.EventID,
		ValidFrom:  pos.ValidFrom,
		ValidUntil: pos.ValidUntil,
	}
	file, err := g.encode(payload)

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, pos.Secret)
	if err != nil {
		g.log.Error("TICKETS", fmt.Sprintf("failed to render ticket for %s/%d: %v", order.Code, pos.PositionID, err))
		return
	}
	g.files[pos.Secret] = file
	g.log.Info("TICKETS", fmt.Sprintf("🎟️ rendered ticket for %s/%d", order.Code, pos.PositionID))
}

func (g *Generator) encode(payload Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	encrypted, err := encryptAES(data, g.secret)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

// RegenerateSecrets rotates the order and position secrets, voiding every
// ticket file issued so far.
func (g *Generator) RegenerateSecrets(ctx context.Context, orderID string) (*models.Order, error) {
	var order *models.Order
	var old []string
	err := g.store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		order.Secret = utils.GenerateSecret()
		if err := repo.UpdateOrder(ctx, order, "secret"); err != nil {
			return err
		}
		for _, pos := range order.Positions {
			old = append(old, pos.Secret)
			pos.Secret = utils.GenerateSecret()
			if err := repo.UpdatePosition(ctx, pos); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	for _, s := range old {
		delete(g.files, s)
	}
	g.mu.Unlock()
	g.log.LogOrder("regenerate_secrets", order.Code, "🔑 secrets rotated, cached tickets voided")
	return order, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}
