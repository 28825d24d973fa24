// Package dynamodb implements casstack.Store on a DynamoDB table.
//
// The table needs a single string partition key named "pk". Each item carries
// the value in "v" (binary) and the absolute expiration in "exp" (number, 0 for
// never). Point the table's TTL setting at "exp" to have AWS reclaim expired
// items; reads and conditions never rely on it since TTL deletion is lazy.
//
// Add, Replace, CAS and Touch are single conditional writes. Counters are a read
// followed by a conditional write, retried when another writer wins.
package dynamodb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/internal/keyspace"
)

var (
	ErrNoTable    = errors.New("dynamodb: table name required")
	ErrContention = errors.New("dynamodb: too much contention")
)

const (
	maxRetries  = 16
	batchGetMax = 100
	batchPutMax = 25
	attrKey     = "pk"

	liveCond      = "(#x = :zero OR #x > :now)"
	deadCond      = "(#x <> :zero AND #x <= :now)"
	presentCond   = "attribute_exists(pk) AND " + liveCond
	absentCond    = "attribute_not_exists(pk) OR " + deadCond
	unchangedCond = presentCond + " AND #v = :old"
)

// API is the subset of *dynamodb.Client the Store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config holds configuration for the Store.
type Config struct {
	// Table is the table name. Required.
	Table string
	// Prefix namespaces every partition key.
	Prefix string
	Logger casstack.Logger
	Now    func() time.Time
}

type Store struct {
	api   API
	table string
	space *keyspace.Space
	log   casstack.Logger
	now   func() time.Time
}

var _ casstack.Store = (*Store)(nil)

func New(api API, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		return nil, ErrNoTable
	}
	if api == nil {
		return nil, errors.New("dynamodb: nil client")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		api:   api,
		table: cfg.Table,
		space: keyspace.Root(cfg.Prefix),
		log:   casstack.Coalesce[casstack.Logger](cfg.Logger, casstack.NopLogger{}),
		now:   now,
	}, nil
}

// Open builds a client from the default AWS configuration chain. A non-empty
// endpoint overrides the service URL (e.g. DynamoDB Local).
func Open(ctx context.Context, region, endpoint string, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, cfg)
}

type record struct {
	PK  string `dynamodbav:"pk"`
	V   []byte `dynamodbav:"v"`
	Exp int64  `dynamodbav:"exp"`
}

func (s *Store) pk(key string) string { return s.space.Key(key) }

func (s *Store) keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: s.pk(key)}}
}

// item builds the stored form. v is set explicitly so empty values stay binary.
func (s *Store) item(key string, value []byte, abs int64) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(record{PK: s.pk(key), Exp: abs})
	if err != nil {
		return nil, err
	}
	av["v"] = &types.AttributeValueMemberB{Value: casstack.Clone(value)}
	return av, nil
}

// decode returns the live payload of a stored item.
func decode(av map[string]types.AttributeValue, now time.Time) ([]byte, bool, error) {
	if len(av) == 0 {
		return nil, false, nil
	}
	var r record
	if err := attributevalue.UnmarshalMap(av, &r); err != nil {
		return nil, false, err
	}
	if casstack.ExpiredAt(r.Exp, now) {
		return nil, false, nil
	}
	return casstack.Clone(r.V), true, nil
}

// expr returns the attribute names and values an expression references.
// DynamoDB rejects unused placeholders.
func expr(e string, vals map[string]types.AttributeValue) (map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{}
	for alias, attr := range map[string]string{"#x": "exp", "#v": "v"} {
		if strings.Contains(e, alias) {
			names[alias] = attr
		}
	}
	used := map[string]types.AttributeValue{}
	for k, v := range vals {
		if strings.Contains(e, k) {
			used[k] = v
		}
	}
	if len(names) == 0 {
		names = nil
	}
	if len(used) == 0 {
		used = nil
	}
	return names, used
}

func num(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (s *Store) baseVals(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{":zero": num(0), ":now": num(now.Unix())}
}

func conditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func (s *Store) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return casstack.Item{}, false, casstack.WrapErr("get", key, err)
	}
	v, ok, err := decode(out.Item, s.now())
	if err != nil || !ok {
		return casstack.Item{}, false, casstack.WrapErr("get", key, err)
	}
	return casstack.Item{Value: v, Token: casstack.Snapshot(v)}, true, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	out := make(map[string]casstack.Item, len(keys))
	byPK := make(map[string]string, len(keys))
	var pending []map[string]types.AttributeValue
	for _, k := range keys {
		if _, dup := byPK[s.pk(k)]; dup {
			continue
		}
		byPK[s.pk(k)] = k
		pending = append(pending, s.keyAttr(k))
	}
	now := s.now()
	limit := maxRetries + len(pending)/batchGetMax
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > limit {
			return nil, casstack.WrapErr("get_multi", "", ErrContention)
		}
		n := min(len(pending), batchGetMax)
		res, err := s.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				s.table: {Keys: pending[:n], ConsistentRead: aws.Bool(true)},
			},
		})
		if err != nil {
			return nil, casstack.WrapErr("get_multi", "", err)
		}
		pending = pending[n:]
		for _, av := range res.Responses[s.table] {
			var r record
			if err := attributevalue.UnmarshalMap(av, &r); err != nil {
				return nil, casstack.WrapErr("get_multi", "", err)
			}
			if v, ok, _ := decode(av, now); ok {
				out[byPK[r.PK]] = casstack.Item{Value: v, Token: casstack.Snapshot(v)}
			}
		}
		if un, ok := res.UnprocessedKeys[s.table]; ok {
			pending = append(pending, un.Keys...)
		}
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	if casstack.ExpiredAt(abs, now) {
		_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(s.table), Key: s.keyAttr(key)})
		return err == nil, casstack.WrapErr("set", key, err)
	}
	it, err := s.item(key, value, abs)
	if err != nil {
		return false, casstack.WrapErr("set", key, err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: it})
	if err != nil {
		return false, casstack.WrapErr("set", key, err)
	}
	return true, nil
}

func (s *Store) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	gone := casstack.ExpiredAt(abs, now)
	reqs := make([]types.WriteRequest, 0, len(items))
	for k, v := range items {
		if gone {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: s.keyAttr(k)}})
			continue
		}
		it, err := s.item(k, v, abs)
		if err != nil {
			return nil, casstack.WrapErr("set_multi", k, err)
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: it}})
	}
	if err := s.batchWrite(ctx, reqs); err != nil {
		return nil, casstack.WrapErr("set_multi", "", err)
	}
	out := make(map[string]bool, len(items))
	for k := range items {
		out[k] = true
	}
	return out, nil
}

func (s *Store) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	limit := maxRetries + len(reqs)/batchPutMax
	for attempt := 0; len(reqs) > 0; attempt++ {
		if attempt > limit {
			return ErrContention
		}
		n := min(len(reqs), batchPutMax)
		res, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: reqs[:n]},
		})
		if err != nil {
			return err
		}
		reqs = append(reqs[n:], res.UnprocessedItems[s.table]...)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          s.keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, casstack.WrapErr("delete", key, err)
	}
	_, ok, err := decode(out.Attributes, s.now())
	return ok, casstack.WrapErr("delete", key, err)
}

func (s *Store) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		ok, err := s.Delete(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = out[k] || ok
	}
	return out, nil
}

// writeIf stores value, or deletes the item when abs already passed, provided
// cond holds. A failed condition is a soft failure.
func (s *Store) writeIf(ctx context.Context, key string, value []byte, abs int64, now time.Time, cond string, vals map[string]types.AttributeValue) (bool, error) {
	names, used := expr(cond, vals)
	var err error
	if casstack.ExpiredAt(abs, now) {
		_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.table),
			Key:                       s.keyAttr(key),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: used,
		})
	} else {
		var it map[string]types.AttributeValue
		if it, err = s.item(key, value, abs); err != nil {
			return false, err
		}
		_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(s.table),
			Item:                      it,
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: used,
		})
	}
	if conditionFailed(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	if casstack.ExpiredAt(abs, now) {
		// nothing to write; succeed only if the key is absent
		_, present, err := s.Get(ctx, key)
		return !present && err == nil, err
	}
	ok, err := s.writeIf(ctx, key, value, abs, now, absentCond, s.baseVals(now))
	return ok, casstack.WrapErr("add", key, err)
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	now := s.now()
	ok, err := s.writeIf(ctx, key, value, expire.Absolute(now), now, presentCond, s.baseVals(now))
	return ok, casstack.WrapErr("replace", key, err)
}

func (s *Store) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	snap, ok := token.(casstack.SnapshotToken)
	if !ok {
		return false, nil
	}
	now := s.now()
	vals := s.baseVals(now)
	vals[":old"] = &types.AttributeValueMemberB{Value: snap.Value}
	ok, err := s.writeIf(ctx, key, value, expire.Absolute(now), now, unchangedCond, vals)
	return ok, casstack.WrapErr("cas", key, err)
}

func (s *Store) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.counter(ctx, key, casstack.Delta(offset, true), offset, initial, expire)
}

func (s *Store) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.counter(ctx, key, casstack.Delta(offset, false), offset, initial, expire)
}

func (s *Store) counter(ctx context.Context, key string, delta, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	if !casstack.ValidCounterArgs(offset, initial) {
		return 0, false, nil
	}
	for i := 0; i < maxRetries; i++ {
		it, present, err := s.Get(ctx, key)
		if err != nil {
			return 0, false, err
		}
		now := s.now()
		vals := s.baseVals(now)
		n, cond := initial, absentCond
		if present {
			v, numeric := casstack.ParseCounter(it.Value)
			if !numeric {
				return 0, false, nil
			}
			n, cond = casstack.ApplyDelta(v, delta), unchangedCond
			vals[":old"] = &types.AttributeValueMemberB{Value: it.Value}
		}
		ok, err := s.writeIf(ctx, key, casstack.FormatCounter(n), expire.Absolute(now), now, cond, vals)
		if err != nil {
			return 0, false, casstack.WrapErr("incr", key, err)
		}
		if ok {
			return n, true, nil
		}
		s.log.Debug("dynamodb: counter retry", casstack.Fields{"key": key, "attempt": i + 1})
	}
	return 0, false, casstack.WrapErr("incr", key, ErrContention)
}

func (s *Store) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	vals := s.baseVals(now)
	if casstack.ExpiredAt(abs, now) {
		ok, err := s.writeIf(ctx, key, nil, abs, now, presentCond, vals)
		return ok, casstack.WrapErr("touch", key, err)
	}
	vals[":e"] = num(abs)
	names, used := expr(presentCond+" SET #x = :e", vals)
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.keyAttr(key),
		UpdateExpression:          aws.String("SET #x = :e"),
		ConditionExpression:       aws.String(presentCond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: used,
	})
	if conditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, casstack.WrapErr("touch", key, err)
	}
	return true, nil
}

// Flush scans for every partition key under this namespace and deletes it.
func (s *Store) Flush(ctx context.Context) (bool, error) {
	in := &dynamodb.ScanInput{
		TableName:            aws.String(s.table),
		ProjectionExpression: aws.String(attrKey),
		ConsistentRead:       aws.Bool(true),
	}
	if path := s.space.Path(); path != "" {
		in.FilterExpression = aws.String("begins_with(pk, :path)")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":path": &types.AttributeValueMemberS{Value: path},
		}
	}
	var reqs []types.WriteRequest
	pages := dynamodb.NewScanPaginator(s.api, in)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return false, casstack.WrapErr("flush", "", err)
		}
		for _, av := range page.Items {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: av}})
		}
	}
	if err := s.batchWrite(ctx, reqs); err != nil {
		return false, casstack.WrapErr("flush", "", err)
	}
	s.log.Debug("dynamodb: flushed", casstack.Fields{"table": s.table, "items": len(reqs)})
	return true, nil
}

func (s *Store) Collection(name string) casstack.Store {
	return &Store{
		api:   s.api,
		table: s.table,
		space: s.space.Child(name),
		log:   s.log,
		now:   s.now,
	}
}
