package dynamo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-auth-nosql/internal/domain"
)

const (
	indexSessionUser   = "user_id-index"
	indexStateActivity = "state-activity-index"
	indexResetToken    = "reset_token-index"
)

// "state" is a DynamoDB reserved word, so expressions alias it.
var stateName = map[string]string{"#st": fieldState}

type sessionItem struct {
	SessionTokenID   string `dynamodbav:"session_token_id"`
	SessionID        string `dynamodbav:"session_id"`
	UserID           string `dynamodbav:"user_id"`
	ClientAddress    string `dynamodbav:"client_address"`
	State            string `dynamodbav:"state"`
	CreatedAtMs      int64  `dynamodbav:"created_at_ms"`
	LastActivityAtMs int64  `dynamodbav:"last_activity_at_ms"`
	// Omitted when empty so reset_token-index stays sparse.
	ResetToken         string `dynamodbav:"reset_token,omitempty"`
	RefreshHash        string `dynamodbav:"refresh_hash,omitempty"`
	RefreshExpiresAtMs int64  `dynamodbav:"refresh_expires_at_ms,omitempty"`
}

func newSessionItem(s *domain.Session) sessionItem {
	it := sessionItem{
		SessionTokenID:   s.SessionTokenID,
		SessionID:        s.ID,
		UserID:           s.UserID,
		ClientAddress:    s.ClientAddress,
		State:            string(s.State),
		CreatedAtMs:      s.CreatedAt.UnixMilli(),
		LastActivityAtMs: s.LastActivityAt.UnixMilli(),
		ResetToken:       s.ResetToken,
		RefreshHash:      s.RefreshHash,
	}
	if !s.RefreshExpiresAt.IsZero() {
		it.RefreshExpiresAtMs = s.RefreshExpiresAt.UnixMilli()
	}
	return it
}

func (it sessionItem) session() domain.Session {
	s := domain.Session{
		ID:             it.SessionID,
		UserID:         it.UserID,
		SessionTokenID: it.SessionTokenID,
		ClientAddress:  it.ClientAddress,
		State:          domain.SessionState(it.State),
		CreatedAt:      fromMillis(it.CreatedAtMs),
		LastActivityAt: fromMillis(it.LastActivityAtMs),
		ResetToken:     it.ResetToken,
		RefreshHash:    it.RefreshHash,
	}
	if it.RefreshExpiresAtMs != 0 {
		s.RefreshExpiresAt = fromMillis(it.RefreshExpiresAtMs)
	}
	return s
}

// SessionRepo provides typed DynamoDB operations for the sessions table.
// PK: session_token_id
type SessionRepo struct {
	client    API
	tableName string
}

func NewSessionRepo(client API, tableName string) *SessionRepo {
	return &SessionRepo{client: client, tableName: tableName}
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	item, err := attributevalue.MarshalMap(newSessionItem(s))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(session_token_id)"),
	})
	if conditionFailed(err) {
		return fmt.Errorf("session token already tracked: %w", domain.ErrConflict)
	}
	if err != nil {
		return storageErr("put session", err)
	}
	return nil
}

func (r *SessionRepo) GetByToken(ctx context.Context, tokenID string) (*domain.Session, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey("session_token_id", tokenID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storageErr("get session", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	var it sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, storageErr("unmarshal session", err)
	}
	s := it.session()
	return &s, nil
}

// GetByResetToken looks up a session by its reset token via the sparse GSI.
func (r *SessionRepo) GetByResetToken(ctx context.Context, resetToken string) (*domain.Session, error) {
	if resetToken == "" {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	found, err := r.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexResetToken),
		KeyConditionExpression: aws.String("reset_token = :rt"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rt": strVal(resetToken),
		},
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	// GSIs are eventually consistent; confirm against the base table.
	s, err := r.GetByToken(ctx, found[0].SessionTokenID)
	if err != nil {
		return nil, err
	}
	if s.ResetToken != resetToken {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	return s, nil
}

func (r *SessionRepo) Touch(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, tokenID,
		"SET last_activity_at_ms = :at",
		"#st = :active AND last_activity_at_ms <= :at",
		stateName,
		map[string]types.AttributeValue{
			":at":     millisVal(at),
			":active": strVal(string(domain.SessionActive)),
		})
}

func (r *SessionRepo) Transition(ctx context.Context, tokenID string, to domain.SessionState) (bool, error) {
	if !to.Terminal() {
		return false, nil
	}
	return r.conditionalUpdate(ctx, tokenID,
		"SET #st = :to REMOVE reset_token, refresh_hash",
		"#st = :active",
		stateName,
		map[string]types.AttributeValue{
			":to":     strVal(string(to)),
			":active": strVal(string(domain.SessionActive)),
		})
}

func (r *SessionRepo) ExpireIdle(ctx context.Context, tokenID string, cutoff time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, tokenID,
		"SET #st = :to REMOVE reset_token, refresh_hash",
		"#st = :active AND last_activity_at_ms < :cutoff",
		stateName,
		map[string]types.AttributeValue{
			":to":     strVal(string(domain.SessionExpired)),
			":active": strVal(string(domain.SessionActive)),
			":cutoff": millisVal(cutoff),
		})
}

func (r *SessionRepo) ListIdle(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	return r.query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(r.tableName),
		IndexName:                aws.String(indexStateActivity),
		KeyConditionExpression:   aws.String("#st = :active AND last_activity_at_ms < :cutoff"),
		ExpressionAttributeNames: stateName,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":active": strVal(string(domain.SessionActive)),
			":cutoff": millisVal(cutoff),
		},
	})
}

func (r *SessionRepo) ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	return r.query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(r.tableName),
		IndexName:                aws.String(indexSessionUser),
		KeyConditionExpression:   aws.String("user_id = :uid"),
		FilterExpression:         aws.String("#st = :active"),
		ExpressionAttributeNames: stateName,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":    strVal(userID),
			":active": strVal(string(domain.SessionActive)),
		},
	})
}

func (r *SessionRepo) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	active, err := r.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func (r *SessionRepo) SetResetToken(ctx context.Context, tokenID, resetToken string) (bool, error) {
	return r.conditionalUpdate(ctx, tokenID,
		"SET reset_token = :rt",
		"#st = :active",
		stateName,
		map[string]types.AttributeValue{
			":rt":     strVal(resetToken),
			":active": strVal(string(domain.SessionActive)),
		})
}

func (r *SessionRepo) ClearResetToken(ctx context.Context, tokenID string) error {
	_, err := r.conditionalUpdate(ctx, tokenID,
		"REMOVE reset_token",
		"attribute_exists(session_token_id)",
		nil, nil)
	return err
}

func (r *SessionRepo) RotateRefresh(ctx context.Context, tokenID, currentHash, newHash string, expiresAt, at time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, tokenID,
		"SET refresh_hash = :next, refresh_expires_at_ms = :exp",
		"#st = :active AND refresh_hash = :current AND refresh_expires_at_ms >= :at",
		stateName,
		map[string]types.AttributeValue{
			":next":    strVal(newHash),
			":exp":     millisVal(expiresAt),
			":current": strVal(currentHash),
			":at":      millisVal(at),
			":active":  strVal(string(domain.SessionActive)),
		})
}

// conditionalUpdate applies update when cond holds; a failed condition reports false.
func (r *SessionRepo) conditionalUpdate(ctx context.Context, tokenID, update, cond string, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey("session_token_id", tokenID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if conditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("update session", err)
	}
	return true, nil
}

// query drains every page and returns sessions most recently active first.
func (r *SessionRepo) query(ctx context.Context, in *dynamodb.QueryInput) ([]domain.Session, error) {
	var out []domain.Session
	p := dynamodb.NewQueryPaginator(r.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storageErr("query sessions", err)
		}
		var items []sessionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, storageErr("unmarshal sessions", err)
		}
		for _, it := range items {
			out = append(out, it.session())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}
