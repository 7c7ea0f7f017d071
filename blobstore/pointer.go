package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentCommit signals that another writer advanced the pointer
// between read and conditional write.
var ErrConcurrentCommit = errors.New("blobstore: concurrent commit detected")

// DynamoDBAPI is the subset of the DynamoDB client the commit pointer
// needs, kept narrow for test doubles.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitPointer records which archived manifest epoch is authoritative
// for a collection. Object stores lack compare-and-swap; a DynamoDB
// conditional write supplies it, so concurrent archivers cannot both
// believe they committed.
//
// Table schema: partition key collection (S), sort key version (N).
type CommitPointer struct {
	client     DynamoDBAPI
	table      string
	collection string
}

// NewCommitPointer creates a pointer for one collection key.
func NewCommitPointer(client DynamoDBAPI, table, collection string) *CommitPointer {
	return &CommitPointer{client: client, table: table, collection: collection}
}

// Current returns the latest committed version and manifest key.
// version 0 with no error means nothing was ever committed.
func (p *CommitPointer) Current(ctx context.Context) (uint64, string, error) {
	resp, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(p.table),
		KeyConditionExpression: aws.String("collection = :c"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":c": &ddbtypes.AttributeValueMemberS{Value: p.collection},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query commit pointer: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("blobstore: malformed version attribute")
	}
	keyAttr, ok := item["manifest_key"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("blobstore: malformed manifest_key attribute")
	}

	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse commit version: %w", err)
	}
	return version, keyAttr.Value, nil
}

// Commit advances the pointer to manifestKey. The write is conditional
// on the version row not existing, so a racing writer loses with
// ErrConcurrentCommit instead of silently clobbering.
func (p *CommitPointer) Commit(ctx context.Context, manifestKey string) (uint64, error) {
	current, _, err := p.Current(ctx)
	if err != nil {
		return 0, err
	}
	next := current + 1

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item: map[string]ddbtypes.AttributeValue{
			"collection":   &ddbtypes.AttributeValueMemberS{Value: p.collection},
			"version":      &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"manifest_key": &ddbtypes.AttributeValueMemberS{Value: manifestKey},
		},
		ConditionExpression: aws.String("attribute_not_exists(#v)"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return 0, ErrConcurrentCommit
		}
		return 0, fmt.Errorf("commit pointer put: %w", err)
	}
	return next, nil
}
