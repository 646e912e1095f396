// Package livekitx adapts the LiveKit server SDK to the agent service.
package livekitx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"

	"github.com/splax/voicetodo/internal/domain"
	"github.com/splax/voicetodo/internal/service/agent"
)

// ErrMissingCredentials indicates the LiveKit url, key or secret is unset.
var ErrMissingCredentials = errors.New("livekit: url, api key and api secret are required")

const callTimeout = 10 * time.Second

type dispatchService interface {
	CreateDispatch(ctx context.Context, req *livekit.CreateAgentDispatchRequest) (*livekit.AgentDispatch, error)
	ListDispatch(ctx context.Context, req *livekit.ListAgentDispatchRequest) (*livekit.ListAgentDispatchResponse, error)
	DeleteDispatch(ctx context.Context, req *livekit.DeleteAgentDispatchRequest) (*livekit.AgentDispatch, error)
}

// DispatchClient implements agent.DispatchAPI on LiveKit's AgentDispatchService.
type DispatchClient struct {
	svc    dispatchService
	logger *slog.Logger
}

var (
	_ agent.DispatchAPI = (*DispatchClient)(nil)
	_ dispatchService   = (*lksdk.AgentDispatchClient)(nil)
)

// NewDispatchClient dials nothing; requests are issued lazily over twirp.
func NewDispatchClient(url, apiKey, apiSecret string, logger *slog.Logger) (*DispatchClient, error) {
	if strings.TrimSpace(url) == "" || strings.TrimSpace(apiKey) == "" || strings.TrimSpace(apiSecret) == "" {
		return nil, ErrMissingCredentials
	}
	return newDispatchClient(lksdk.NewAgentDispatchServiceClient(url, apiKey, apiSecret), logger), nil
}

func newDispatchClient(svc dispatchService, logger *slog.Logger) *DispatchClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchClient{svc: svc, logger: logger.With("component", "livekit_dispatch")}
}

// CreateDispatch assigns agentName to room.
func (c *DispatchClient) CreateDispatch(ctx context.Context, room, agentName, metadata string) (domain.Dispatch, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	res, err := c.svc.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: agentName,
		Room:      room,
		Metadata:  metadata,
	})
	if err != nil {
		return domain.Dispatch{}, fmt.Errorf("create dispatch: %w", translate(err))
	}
	return toDomain(res), nil
}

// ListDispatches returns every dispatch registered to room.
func (c *DispatchClient) ListDispatches(ctx context.Context, room string) ([]domain.Dispatch, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	res, err := c.svc.ListDispatch(ctx, &livekit.ListAgentDispatchRequest{Room: room})
	if err != nil {
		if errors.Is(translate(err), agent.ErrDispatchNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dispatches: %w", translate(err))
	}
	dispatches := res.GetAgentDispatches()
	out := make([]domain.Dispatch, 0, len(dispatches))
	for _, d := range dispatches {
		if d == nil {
			continue
		}
		out = append(out, toDomain(d))
	}
	return out, nil
}

// DeleteDispatch removes a dispatch. A dispatch LiveKit no longer knows
// reports agent.ErrDispatchNotFound.
func (c *DispatchClient) DeleteDispatch(ctx context.Context, dispatchID, room string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, err := c.svc.DeleteDispatch(ctx, &livekit.DeleteAgentDispatchRequest{
		DispatchId: dispatchID,
		Room:       room,
	}); err != nil {
		return fmt.Errorf("delete dispatch %s: %w", dispatchID, translate(err))
	}
	return nil
}

func toDomain(d *livekit.AgentDispatch) domain.Dispatch {
	out := domain.Dispatch{
		ID:        d.GetId(),
		AgentName: d.GetAgentName(),
		Room:      d.GetRoom(),
		Metadata:  d.GetMetadata(),
	}
	if created := d.GetState().GetCreatedAt(); created > 0 {
		out.CreatedAt = time.Unix(0, created).UTC()
	}
	return out
}

func translate(err error) error {
	var terr twirp.Error
	if errors.As(err, &terr) && terr.Code() == twirp.NotFound {
		return fmt.Errorf("%w: %s", agent.ErrDispatchNotFound, terr.Msg())
	}
	return err
}
