package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the subset of the DynamoDB API used by DynamoTable.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoTable stores batch records in a DynamoDB table.
//
// Table schema:
//   - Partition key: jobId (string)
//   - Sort key: batchId (number)
//   - TTL attribute: ttl (epoch seconds)
type DynamoTable struct {
	client DDBClient
	table  string
}

// NewDynamoTable creates a table client from the default AWS configuration.
func NewDynamoTable(ctx context.Context, table, region string) (*DynamoTable, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewDynamoTableWithClient(dynamodb.NewFromConfig(cfg), table), nil
}

// NewDynamoTableWithClient creates a table on top of an existing client.
func NewDynamoTableWithClient(client DDBClient, table string) *DynamoTable {
	return &DynamoTable{client: client, table: table}
}

func (t *DynamoTable) Put(ctx context.Context, r Record) error {
	item := map[string]types.AttributeValue{
		"jobId":    &types.AttributeValueMemberS{Value: r.JobID},
		"batchId":  &types.AttributeValueMemberN{Value: strconv.Itoa(r.BatchID)},
		"ttl":      &types.AttributeValueMemberN{Value: strconv.FormatInt(r.TTL.Unix(), 10)},
		"mimeType": &types.AttributeValueMemberS{Value: r.MimeType},
	}
	if r.Compressed() {
		item["results"] = &types.AttributeValueMemberB{Value: r.Results}
	} else {
		item["results"] = &types.AttributeValueMemberS{Value: string(r.Results)}
	}

	_, err := t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put task %s/%d: %w", r.JobID, r.BatchID, err)
	}
	return nil
}

func (t *DynamoTable) Query(ctx context.Context, jobID string) ([]Record, error) {
	var records []Record
	var startKey map[string]types.AttributeValue
	for {
		out, err := t.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(t.table),
			KeyConditionExpression: aws.String("jobId = :job"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":job": &types.AttributeValueMemberS{Value: jobID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query tasks of %s: %w", jobID, err)
		}
		for _, item := range out.Items {
			r, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			records = append(records, r)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	sort.Slice(records, func(i, j int) bool { return records[i].BatchID < records[j].BatchID })
	return records, nil
}

func (t *DynamoTable) Close() error {
	return nil
}

func decodeItem(item map[string]types.AttributeValue) (Record, error) {
	job, ok := item["jobId"].(*types.AttributeValueMemberS)
	if !ok {
		return Record{}, errors.New("invalid jobId attribute in task item")
	}
	batch, ok := item["batchId"].(*types.AttributeValueMemberN)
	if !ok {
		return Record{}, errors.New("invalid batchId attribute in task item")
	}
	batchID, err := strconv.Atoi(batch.Value)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse batchId: %w", err)
	}

	r := Record{JobID: job.Value, BatchID: batchID, MimeType: MimeJSON}
	if ttl, ok := item["ttl"].(*types.AttributeValueMemberN); ok {
		if secs, err := strconv.ParseInt(ttl.Value, 10, 64); err == nil {
			r.TTL = time.Unix(secs, 0)
		}
	}
	if mime, ok := item["mimeType"].(*types.AttributeValueMemberS); ok && mime.Value != "" {
		r.MimeType = mime.Value
	}
	switch v := item["results"].(type) {
	case *types.AttributeValueMemberS:
		r.Results = []byte(v.Value)
	case *types.AttributeValueMemberB:
		r.Results = v.Value
	default:
		r.Results = []byte("[]")
	}
	return r, nil
}
