package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/lodestar/backend/internal/issues"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MutationEnvelope is the wire shape of one pushed mutation.
type MutationEnvelope struct {
	ID       int64           `json:"id"`
	ClientID string          `json:"clientID"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
}

// PushRequest is the wire shape of a push call.
type PushRequest struct {
	ClientGroupID string             `json:"clientGroupID"`
	Mutations     []MutationEnvelope `json:"mutations"`
}

// decodedMutation pairs an envelope with its validated payload.
type decodedMutation struct {
	envelope MutationEnvelope
	mutation issues.Mutation
}

// Push applies a batch of client mutations, one transaction per mutation,
// enforcing strict per-client ordering and idempotent replay. The poke
// notifier is signaled once after the batch completes.
func (s *Service) Push(ctx context.Context, request PushRequest) error {
	decoded, err := s.decodePush(request)
	if err != nil {
		return err
	}

	for _, item := range decoded {
		err := s.processMutation(ctx, request.ClientGroupID, item, true)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrMutation) {
			return err
		}

		// The mutator failed on business logic. Its effects rolled back with
		// the transaction; advance the mutation pointer in a separate
		// bookkeeping-only pass so one bad mutation cannot block the client.
		s.logError(opPush, "mutation_failed", err,
			zap.String("client_group_id", request.ClientGroupID),
			zap.String("client_id", item.envelope.ClientID),
			zap.Int64("mutation_id", item.envelope.ID),
			zap.String("mutation_name", item.envelope.Name))
		if bookErr := s.processMutation(ctx, request.ClientGroupID, item, false); bookErr != nil {
			return bookErr
		}
	}

	s.poker.Poke(request.ClientGroupID)
	return nil
}

// decodePush validates the batch and decodes every mutation payload before
// any transaction opens. Unknown names and malformed args fail here.
func (s *Service) decodePush(request PushRequest) ([]decodedMutation, error) {
	if err := validateClientGroupID(opPush, request.ClientGroupID); err != nil {
		return nil, err
	}

	decoded := make([]decodedMutation, 0, len(request.Mutations))
	for _, envelope := range request.Mutations {
		if strings.TrimSpace(envelope.ClientID) == "" {
			return nil, newValidationError(opPush, "missing_client_id", nil)
		}
		if envelope.ID <= 0 {
			return nil, newValidationError(opPush, "invalid_mutation_id",
				fmt.Errorf("mutation id %d is not positive", envelope.ID))
		}
		mutation, err := issues.DecodeMutation(envelope.Name, envelope.Args)
		if err != nil {
			return nil, newValidationError(opPush, "mutation_decode_failed", err)
		}
		decoded = append(decoded, decodedMutation{envelope: envelope, mutation: mutation})
	}
	return decoded, nil
}

// processMutation runs one mutation in its own transaction. With
// applyMutator false, only the ordering bookkeeping is performed, recording
// the mutation as consumed.
func (s *Service) processMutation(ctx context.Context, clientGroupID string, item decodedMutation, applyMutator bool) error {
	return s.inTransaction(ctx, func(tx *gorm.DB) error {
		group, err := clientGroupForUpdate(tx, clientGroupID)
		if err != nil {
			return newServiceError(opPush, "group_lock_failed", err)
		}
		client, err := clientForUpdate(tx, item.envelope.ClientID, clientGroupID)
		if err != nil {
			if errors.Is(err, errClientGroupMismatch) {
				return newServiceError(opPush, "client_group_mismatch", err)
			}
			return newServiceError(opPush, "client_lock_failed", err)
		}

		nextMutationID := client.LastMutationID + 1
		if item.envelope.ID < nextMutationID {
			// Already applied; idempotent replay succeeds with no state change.
			return nil
		}
		if item.envelope.ID > nextMutationID {
			return newServiceError(opPush, "mutation_out_of_order",
				fmt.Errorf("%w: got %d, expected %d",
					ErrProtocolViolation, item.envelope.ID, nextMutationID))
		}

		if applyMutator {
			if err := s.store.Apply(tx, item.mutation); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMutation, item.envelope.Name, err)
			}
		}

		nowMS := s.nowMS()
		group.ClientVersion++
		group.LastModifiedMS = nowMS
		if err := tx.Save(&group).Error; err != nil {
			return newServiceError(opPush, "group_save_failed", err)
		}
		client.LastMutationID = nextMutationID
		client.ClientVersion = group.ClientVersion
		client.LastModifiedMS = nowMS
		if err := tx.Save(&client).Error; err != nil {
			return newServiceError(opPush, "client_save_failed", err)
		}
		return nil
	})
}
