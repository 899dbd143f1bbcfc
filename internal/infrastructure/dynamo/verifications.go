package dynamo

import (
	"context"
	"errors"
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
	indexExpiry = "expiry-index"

	// expiryShard is the single partition of expiry-index. Expired records are
	// deleted continuously, so the partition stays small.
	expiryShard = "v"

	// ttlGrace keeps a record past its deadline before DynamoDB TTL may reap it,
	// leaving the sweeper to delete it first.
	ttlGrace = time.Hour
)

// verificationItem is the stored shape of a verification record; instants are Unix milliseconds.
type verificationItem struct {
	VerificationID string `dynamodbav:"verification_id"`
	UserID         string `dynamodbav:"user_id"`
	Code           string `dynamodbav:"code"`
	Purpose        string `dynamodbav:"purpose"`
	UserPurpose    string `dynamodbav:"user_purpose"`
	CreatedAtMs    int64  `dynamodbav:"created_at_ms"`
	ExpiresAtMs    int64  `dynamodbav:"expires_at_ms"`
	ExpiryShard    string `dynamodbav:"expiry_shard"`
	Consumed       bool   `dynamodbav:"consumed"`
	TTL            int64  `dynamodbav:"ttl"`
}

func userPurpose(userID string, p domain.Purpose) string { return userID + "#" + string(p) }

func verificationKey(v *domain.VerificationRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_purpose":    strVal(userPurpose(v.UserID, v.Purpose)),
		"verification_id": strVal(v.ID),
	}
}

func newVerificationItem(v *domain.VerificationRecord) verificationItem {
	return verificationItem{
		VerificationID: v.ID,
		UserID:         v.UserID,
		Code:           v.Code,
		Purpose:        string(v.Purpose),
		UserPurpose:    userPurpose(v.UserID, v.Purpose),
		CreatedAtMs:    v.CreatedAt.UnixMilli(),
		ExpiresAtMs:    v.ExpiresAt.UnixMilli(),
		ExpiryShard:    expiryShard,
		Consumed:       v.Consumed,
		TTL:            v.ExpiresAt.Add(ttlGrace).Unix(),
	}
}

func (it verificationItem) record() domain.VerificationRecord {
	return domain.VerificationRecord{
		ID:        it.VerificationID,
		UserID:    it.UserID,
		Code:      it.Code,
		Purpose:   domain.Purpose(it.Purpose),
		CreatedAt: fromMillis(it.CreatedAtMs),
		ExpiresAt: fromMillis(it.ExpiresAtMs),
		Consumed:  it.Consumed,
	}
}

// VerificationRepo stores verification records. Conditional writes make
// Consume and Invalidate atomic compare-and-set operations. Every record of a
// (user, purpose) pair shares a partition, so pair reads are strongly
// consistent queries on the base table.
// PK: user_purpose, SK: verification_id
type VerificationRepo struct {
	client    API
	tableName string
}

func NewVerificationRepo(client API, tableName string) *VerificationRepo {
	return &VerificationRepo{client: client, tableName: tableName}
}

func (r *VerificationRepo) Insert(ctx context.Context, v *domain.VerificationRecord) error {
	item, err := attributevalue.MarshalMap(newVerificationItem(v))
	if err != nil {
		return fmt.Errorf("marshal verification: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(verification_id)"),
	})
	if conditionFailed(err) {
		return fmt.Errorf("verification %s already exists: %w", v.ID, domain.ErrConflict)
	}
	if err != nil {
		return storageErr("put verification", err)
	}
	return nil
}

func (r *VerificationRepo) FindByCode(ctx context.Context, userID, code string, purpose domain.Purpose) (*domain.VerificationRecord, error) {
	recs, err := r.queryPair(ctx, userID, purpose, "#c = :code", map[string]string{"#c": "code"},
		map[string]types.AttributeValue{":code": strVal(code)})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("verification not found: %w", domain.ErrNotFound)
	}
	return &recs[0], nil
}

func (r *VerificationRepo) ListUnconsumed(ctx context.Context, userID string, purpose domain.Purpose) ([]domain.VerificationRecord, error) {
	return r.queryPair(ctx, userID, purpose, "consumed = :f", nil,
		map[string]types.AttributeValue{":f": boolVal(false)})
}

func (r *VerificationRepo) ListExpiredBefore(ctx context.Context, ts time.Time) ([]domain.VerificationRecord, error) {
	recs, err := r.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexExpiry),
		KeyConditionExpression: aws.String("expiry_shard = :s AND expires_at_ms < :ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":  strVal(expiryShard),
			":ts": millisVal(ts),
		},
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Newer(&recs[j]) })
	return recs, nil
}

func (r *VerificationRepo) Delete(ctx context.Context, v *domain.VerificationRecord) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       verificationKey(v),
	})
	if err != nil {
		return storageErr("delete verification", err)
	}
	return nil
}

func (r *VerificationRepo) DeleteExpiredBefore(ctx context.Context, ts time.Time) (int, error) {
	expired, err := r.ListExpiredBefore(ctx, ts)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for i := range expired {
		if err := r.Delete(ctx, &expired[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Consume marks the record consumed when it is unconsumed and at is not past its deadline.
func (r *VerificationRepo) Consume(ctx context.Context, v *domain.VerificationRecord, at time.Time) (bool, error) {
	return r.markConsumed(ctx, v,
		"attribute_exists(verification_id) AND consumed = :f AND expires_at_ms >= :now",
		map[string]types.AttributeValue{":now": millisVal(at)})
}

func (r *VerificationRepo) Invalidate(ctx context.Context, v *domain.VerificationRecord) (bool, error) {
	return r.markConsumed(ctx, v, "attribute_exists(verification_id) AND consumed = :f", nil)
}

func (r *VerificationRepo) markConsumed(ctx context.Context, v *domain.VerificationRecord, cond string, extra map[string]types.AttributeValue) (bool, error) {
	values := map[string]types.AttributeValue{
		":t": boolVal(true),
		":f": boolVal(false),
	}
	for k, v := range extra {
		values[k] = v
	}
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       verificationKey(v),
		UpdateExpression:          aws.String("SET consumed = :t"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
	})
	if conditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("update verification", err)
	}
	return true, nil
}

// queryPair reads the (user, purpose) partition newest first. The read is
// strongly consistent so it observes every write that returned before it.
func (r *VerificationRepo) queryPair(ctx context.Context, userID string, purpose domain.Purpose, filter string, names map[string]string, values map[string]types.AttributeValue) ([]domain.VerificationRecord, error) {
	values[":up"] = strVal(userPurpose(userID, purpose))
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    aws.String("user_purpose = :up"),
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
	}
	if filter != "" {
		in.FilterExpression = aws.String(filter)
	}
	recs, err := r.query(ctx, in)
	if err != nil {
		return nil, err
	}
	// Ids order by millisecond; Newer breaks ties within one.
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Newer(&recs[j]) })
	return recs, nil
}

func (r *VerificationRepo) query(ctx context.Context, in *dynamodb.QueryInput) ([]domain.VerificationRecord, error) {
	var recs []domain.VerificationRecord
	p := dynamodb.NewQueryPaginator(r.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storageErr("query verifications", err)
		}
		var items []verificationItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, storageErr("unmarshal verifications", err)
		}
		for _, it := range items {
			recs = append(recs, it.record())
		}
	}
	return recs, nil
}
