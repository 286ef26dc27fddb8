// Package dynamostore keeps directory records in a DynamoDB table with GrainId
// as the partition key. Conditional writes give insert-if-absent and
// compare-and-delete.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"go.uber.org/zap"
)

const (
	// TransactWriteItems accepts at most 100 actions
	MAX_BATCH_SIZE = 100

	attrGrainId           = "GrainId"
	attrActivationId      = "ActivationId"
	attrSiloAddress       = "SiloAddress"
	attrMembershipVersion = "MembershipVersion"

	insertCondition = "attribute_not_exists(GrainId)"
	deleteCondition = "ActivationId = :activation"
)

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type Store struct {
	api      API
	table    string
	maxBatch int
	log      *zap.Logger
}

var _ directory.Store = (*Store)(nil)

// NewClient loads the default AWS configuration chain for region.
func NewClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func New(api API, table string, maxBatch int) *Store {
	if maxBatch <= 0 || maxBatch > MAX_BATCH_SIZE {
		maxBatch = MAX_BATCH_SIZE
	}
	return &Store{api: api, table: table, maxBatch: maxBatch, log: common.Log().Named("dynamostore")}
}

func grainKey(grain common.GrainId) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrGrainId: &types.AttributeValueMemberS{Value: grain.String()},
	}
}

func EncodeItem(address common.GrainAddress) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrGrainId:           &types.AttributeValueMemberS{Value: address.GrainId.String()},
		attrActivationId:      &types.AttributeValueMemberS{Value: address.ActivationId.String()},
		attrSiloAddress:       &types.AttributeValueMemberS{Value: address.SiloAddress.String()},
		attrMembershipVersion: &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(address.MembershipVersion), 10)},
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %s missing or not a string", name)
	}
	return v.Value, nil
}

func DecodeItem(item map[string]types.AttributeValue) (common.GrainAddress, error) {
	g, err := stringAttr(item, attrGrainId)
	if err != nil {
		return common.GrainAddress{}, err
	}
	grain, err := common.ParseGrainId(g)
	if err != nil {
		return common.GrainAddress{}, err
	}
	activation, err := stringAttr(item, attrActivationId)
	if err != nil {
		return common.GrainAddress{}, err
	}
	s, err := stringAttr(item, attrSiloAddress)
	if err != nil {
		return common.GrainAddress{}, err
	}
	silo, err := common.ParseSiloAddress(s)
	if err != nil {
		return common.GrainAddress{}, err
	}
	var version int64
	if n, ok := item[attrMembershipVersion].(*types.AttributeValueMemberN); ok {
		if version, err = strconv.ParseInt(n.Value, 10, 64); err != nil {
			return common.GrainAddress{}, err
		}
	}
	return common.GrainAddress{
		GrainId:           grain,
		ActivationId:      common.ActivationId(activation),
		SiloAddress:       silo,
		MembershipVersion: common.MembershipVersion(version),
	}, nil
}

func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var throughput *types.ProvisionedThroughputExceededException
	var limit *types.RequestLimitExceeded
	var internal *types.InternalServerError
	if errors.As(err, &throughput) || errors.As(err, &limit) || errors.As(err, &internal) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "TransactionInProgressException":
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	if IsTransient(err) {
		return common.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) TryInsert(ctx context.Context, address common.GrainAddress) (bool, common.GrainAddress, error) {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.table),
		Item:                                EncodeItem(address),
		ConditionExpression:                 aws.String(insertCondition),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return true, address, nil
	}
	var failed *types.ConditionalCheckFailedException
	if !errors.As(err, &failed) {
		return false, common.GrainAddress{}, classify("dynamodb insert", err)
	}
	if len(failed.Item) == 0 {
		return false, common.GrainAddress{}, nil
	}
	winner, err := DecodeItem(failed.Item)
	if err != nil {
		return false, common.GrainAddress{}, err
	}
	return false, winner, nil
}

func (s *Store) Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            grainKey(grain),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return common.GrainAddress{}, false, classify("dynamodb lookup", err)
	}
	if len(out.Item) == 0 {
		return common.GrainAddress{}, false, nil
	}
	addr, err := DecodeItem(out.Item)
	if err != nil {
		return common.GrainAddress{}, false, err
	}
	return addr, true, nil
}

func activationValues(address common.GrainAddress) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":activation": &types.AttributeValueMemberS{Value: address.ActivationId.String()},
	}
}

func (s *Store) CompareAndDelete(ctx context.Context, address common.GrainAddress) (bool, error) {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       grainKey(address.GrainId),
		ConditionExpression:       aws.String(deleteCondition),
		ExpressionAttributeValues: activationValues(address),
	})
	if err == nil {
		return true, nil
	}
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return false, nil
	}
	return false, classify("dynamodb delete", err)
}

// DeleteMany runs the batch as one transaction. When a condition fails the whole
// transaction is cancelled, so the batch is retried one record at a time.
func (s *Store) DeleteMany(ctx context.Context, addresses []common.GrainAddress) error {
	if len(addresses) == 0 {
		return nil
	}
	items := make([]types.TransactWriteItem, 0, len(addresses))
	seen := make(map[common.GrainId]struct{}, len(addresses))
	var duplicates []common.GrainAddress
	for _, addr := range addresses {
		// a transaction may not touch the same item twice
		if _, ok := seen[addr.GrainId]; ok {
			duplicates = append(duplicates, addr)
			continue
		}
		seen[addr.GrainId] = struct{}{}
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                 aws.String(s.table),
				Key:                       grainKey(addr.GrainId),
				ConditionExpression:       aws.String(deleteCondition),
				ExpressionAttributeValues: activationValues(addr),
			},
		})
	}
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var cancelled *types.TransactionCanceledException
		if !errors.As(err, &cancelled) {
			return classify("dynamodb delete many", err)
		}
		s.log.Debug("Transactional delete cancelled, deleting one by one.", zap.Int("size", len(addresses)))
		duplicates = addresses
	}
	for _, addr := range duplicates {
		if _, err := s.CompareAndDelete(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBySilo is a no-op: the table is keyed by grain only and a scan per dead
// silo is too costly. Stale records are evicted lazily by callers.
func (s *Store) DeleteBySilo(_ context.Context, silo common.SiloAddress) error {
	s.log.Debug("Skipping delete by silo, relying on lazy eviction.", zap.Stringer("silo", silo))
	return nil
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) SiloCleanupPolicy() directory.SiloCleanupPolicy {
	return directory.LazyCleanup
}
