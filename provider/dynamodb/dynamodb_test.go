package dynamodb

import (
	"context"
	"os"
	"time"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/storetest"
)

func TestExprKeepsOnlyReferencedPlaceholders(t *testing.T) {
	vals := map[string]types.AttributeValue{
		":zero": num(0),
		":now":  num(10),
		":old":  &types.AttributeValueMemberB{Value: []byte("x")},
	}

	names, used := expr(absentCond, vals)
	assert.Empty(t, cmp.Diff(map[string]string{"#x": "exp"}, names))
	assert.Len(t, used, 2)
	assert.NotContains(t, used, ":old")

	names, used = expr(unchangedCond, vals)
	assert.Empty(t, cmp.Diff(map[string]string{"#x": "exp", "#v": "v"}, names))
	assert.Len(t, used, 3)

	names, used = expr("attribute_exists(pk)", vals)
	assert.Nil(t, names)
	assert.Nil(t, used)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{})
	require.ErrorIs(t, err, ErrNoTable)
	_, err = New(nil, Config{Table: "t"})
	require.Error(t, err)
}

func TestDecodeHonoursExpiration(t *testing.T) {
	s, err := New(&dynamodb.Client{}, Config{Table: "t"})
	require.NoError(t, err)
	it, err := s.item("k", []byte("v"), 100)
	require.NoError(t, err)

	_, ok, err := decode(it, timeAt(99))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, _ = decode(it, timeAt(100))
	assert.False(t, ok)

	never, _ := s.item("k", []byte{}, 0)
	v, ok, _ := decode(never, timeAt(1<<40))
	assert.True(t, ok)
	assert.NotNil(t, v)
}

// Integration tests run against CASSTACK_DYNAMODB_ENDPOINT (e.g. DynamoDB Local).
func client(t *testing.T) *dynamodb.Client {
	endpoint := os.Getenv("CASSTACK_DYNAMODB_ENDPOINT")
	if endpoint == "" {
		t.Skip("CASSTACK_DYNAMODB_ENDPOINT not set")
	}
	ctx := context.Background()
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
	)
	require.NoError(t, err)
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) { o.BaseEndpoint = aws.String(endpoint) })
}

func newTable(t *testing.T, c *dynamodb.Client) string {
	ctx := context.Background()
	name := "casstack-test-" + uuid.NewString()
	_, err := c.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(name),
		BillingMode:          types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS}},
		KeySchema:            []types.KeySchemaElement{{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = c.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)}) })
	return name
}

func TestConformance(t *testing.T) {
	storetest.Run(t, "DynamoDB", func(t *testing.T) casstack.Store {
		c := client(t)
		s, err := New(c, Config{Table: newTable(t, c), Prefix: "app:"})
		require.NoError(t, err)
		return s
	})
}

func timeAt(unix int64) time.Time { return time.Unix(unix, 0) }
