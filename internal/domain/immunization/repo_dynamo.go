package immunization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imms/imms/internal/platform/auth"
	"github.com/imms/imms/internal/platform/metrics"
)

// Index names on the immunization events table.
const (
	identifierIndex = "IdentifierGSI"
	patientIndex    = "PatientGSI"
)

// reinstatedMarker is the stored DeletedAt value for a record that was
// deleted and has since been reinstated. Kept distinct from "never deleted"
// for audit and CDC consumers.
const reinstatedMarker = "reinstated"

// DynamoAPI is the subset of the DynamoDB client the repository uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type dynamoRepo struct {
	client DynamoAPI
	table  string
	m      *metrics.Metrics
	now    func() time.Time
	newID  func() string
}

// NewDynamoRepo returns a Repository backed by one DynamoDB table with the
// IdentifierGSI and PatientGSI secondary indexes. metrics may be nil.
func NewDynamoRepo(client DynamoAPI, table string, m *metrics.Metrics) Repository {
	return &dynamoRepo{
		client: client,
		table:  table,
		m:      m,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
}

func immunizationPK(id string) string { return "Immunization#" + id }
func patientPK(id string) string      { return "Patient#" + id }

// recordItem is the stored item shape. DeletedAt is the tri-state sentinel:
// absent, an RFC3339 timestamp, or the reinstated marker.
type recordItem struct {
	PK             string `dynamodbav:"PK"`
	PatientPK      string `dynamodbav:"PatientPK"`
	PatientSK      string `dynamodbav:"PatientSK"`
	IdentifierPK   string `dynamodbav:"IdentifierPK"`
	Resource       string `dynamodbav:"Resource"`
	Version        int    `dynamodbav:"Version"`
	Operation      string `dynamodbav:"Operation"`
	DeletedAt      string `dynamodbav:"DeletedAt,omitempty"`
	Reinstated     bool   `dynamodbav:"Reinstated,omitempty"`
	SupplierSystem string `dynamodbav:"SupplierSystem,omitempty"`
	UpdatedAt      string `dynamodbav:"UpdatedAt,omitempty"`
}

func (it *recordItem) lifecycle() (Lifecycle, error) {
	switch it.DeletedAt {
	case "":
		return Lifecycle{State: LifecycleActive}, nil
	case reinstatedMarker:
		return Lifecycle{State: LifecycleReinstated}, nil
	default:
		ts, err := time.Parse(time.RFC3339, it.DeletedAt)
		if err != nil {
			return Lifecycle{}, fmt.Errorf("malformed DeletedAt %q: %w", it.DeletedAt, err)
		}
		return Lifecycle{State: LifecycleDeleted, DeletedAt: ts}, nil
	}
}

func (it *recordItem) toRecord() (*ImmunizationRecord, error) {
	lc, err := it.lifecycle()
	if err != nil {
		return nil, &UnhandledResponseError{Message: "malformed item from dynamodb", Err: err}
	}
	vt, id := splitPatientSK(it.PatientSK)
	rec := &ImmunizationRecord{
		ID:          id,
		Resource:    json.RawMessage(it.Resource),
		Version:     it.Version,
		VaccineType: vt,
		PatientID:   trimPrefix(it.PatientPK, "Patient#"),
		Identifier:  it.IdentifierPK,
		Supplier:    it.SupplierSystem,
		Operation:   Operation(it.Operation),
		Lifecycle:   lc,
	}
	if it.Reinstated && lc.State == LifecycleActive {
		rec.Lifecycle.State = LifecycleReinstated
	}
	if it.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, it.UpdatedAt); err == nil {
			rec.UpdatedAt = ts
		}
	}
	return rec, nil
}

// splitPatientSK decodes "{vaccineType}#{logicalId}".
func splitPatientSK(sk string) (vaccineType, id string) {
	for i := 0; i < len(sk); i++ {
		if sk[i] == '#' {
			return sk[:i], sk[i+1:]
		}
	}
	return sk, ""
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func (r *dynamoRepo) Create(ctx context.Context, content *RecordContent, supplier string, perms auth.PermissionSet) (rec *ImmunizationRecord, err error) {
	defer func() { r.m.ObserveRepoOp("create", err) }()

	if !perms.Allows(content.VaccineType, auth.OpCreate) {
		return nil, ErrUnauthorizedVax
	}

	// Advisory dedup check against the eventually consistent identifier
	// index. Two concurrent creates can both pass; see Repository docs.
	existing, err := r.queryIdentifier(ctx, content.IdentifierKey())
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.activeIdentifier() {
		return nil, &IdentifierDuplicationError{Identifier: content.IdentifierKey()}
	}

	id := r.newID()
	resource, err := WithID(content.Resource, id)
	if err != nil {
		return nil, err
	}
	item := recordItem{
		PK:             immunizationPK(id),
		PatientPK:      patientPK(content.PatientID),
		PatientSK:      content.VaccineType + "#" + id,
		IdentifierPK:   content.IdentifierKey(),
		Resource:       string(resource),
		Version:        1,
		Operation:      string(OperationCreate),
		SupplierSystem: supplier,
		UpdatedAt:      r.now().Format(time.RFC3339),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, &UnhandledResponseError{Message: "marshal item", Err: err}
	}
	cond := expression.AttributeNotExists(expression.Name("PK"))
	exprs, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, &UnhandledResponseError{Message: "build condition", Err: err}
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(r.table),
		Item:                      av,
		ConditionExpression:       exprs.Condition(),
		ExpressionAttributeNames:  exprs.Names(),
		ExpressionAttributeValues: exprs.Values(),
	})
	if err != nil {
		// A fresh uuid colliding means a store anomaly, not a caller error.
		return nil, r.storeError("put item", err)
	}
	return item.toRecord()
}

func (r *dynamoRepo) GetByID(ctx context.Context, id string, perms auth.PermissionSet) (rec *ImmunizationRecord, err error) {
	defer func() { r.m.ObserveRepoOp("get_by_id", err) }()

	rec, err = r.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Lifecycle.Active() {
		return nil, &NotFoundError{ResourceType: "Immunization", ID: id}
	}
	// Re-derived type check even though the record was located by primary
	// key: an unauthorized caller who can guess ids still gets refused.
	if !perms.Allows(rec.VaccineType, auth.OpRead) {
		return nil, ErrUnauthorizedVax
	}
	return rec, nil
}

func (r *dynamoRepo) GetByIDAll(ctx context.Context, id string) (rec *ImmunizationRecord, err error) {
	defer func() { r.m.ObserveRepoOp("get_by_id_all", err) }()
	return r.getItem(ctx, id)
}

func (r *dynamoRepo) GetByIdentifier(ctx context.Context, identifierKey string, perms auth.PermissionSet) (rec *ImmunizationRecord, err error) {
	defer func() { r.m.ObserveRepoOp("get_by_identifier", err) }()

	item, err := r.queryIdentifier(ctx, identifierKey)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, &NotFoundError{ResourceType: "Immunization", ID: identifierKey}
	}
	vt, _ := splitPatientSK(item.PatientSK)
	if !perms.Allows(vt, auth.OpSearch) {
		return nil, ErrUnauthorizedVax
	}
	return item.toRecord()
}

func (r *dynamoRepo) Update(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	cond := expression.AttributeExists(expression.Name("PK")).
		And(expression.AttributeNotExists(expression.Name("DeletedAt"))).
		And(expression.Name("Version").Equal(expression.Value(expectedVersion)))
	return r.conditionalUpdate(ctx, "update", id, content, supplier, expectedVersion, perms, cond, false)
}

func (r *dynamoRepo) Reinstate(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	cond := expression.AttributeExists(expression.Name("DeletedAt")).
		And(expression.Name("DeletedAt").NotEqual(expression.Value(reinstatedMarker))).
		And(expression.Name("Version").Equal(expression.Value(expectedVersion)))
	return r.conditionalUpdate(ctx, "reinstate", id, content, supplier, expectedVersion, perms, cond, true)
}

func (r *dynamoRepo) UpdateReinstated(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	cond := expression.Name("DeletedAt").Equal(expression.Value(reinstatedMarker)).
		And(expression.Name("Version").Equal(expression.Value(expectedVersion)))
	return r.conditionalUpdate(ctx, "update_reinstated", id, content, supplier, expectedVersion, perms, cond, false)
}

// conditionalUpdate carries the shared shape of the three content-replacing
// writes. The store enforces the lifecycle/version condition atomically; a
// rejection is surfaced as ConflictError, never retried or overwritten.
func (r *dynamoRepo) conditionalUpdate(
	ctx context.Context,
	op string,
	id string,
	content *RecordContent,
	supplier string,
	expectedVersion int,
	perms auth.PermissionSet,
	cond expression.ConditionBuilder,
	markReinstated bool,
) (rec *ImmunizationRecord, err error) {
	defer func() { r.m.ObserveRepoOp(op, err) }()

	if !perms.Allows(content.VaccineType, auth.OpUpdate) {
		return nil, ErrUnauthorizedVax
	}

	// The identifier may only be bound to the record being written.
	existing, err := r.queryIdentifier(ctx, content.IdentifierKey())
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.PK != immunizationPK(id) {
		return nil, &IdentifierDuplicationError{Identifier: content.IdentifierKey()}
	}

	resource, err := WithID(content.Resource, id)
	if err != nil {
		return nil, err
	}

	update := expression.
		Set(expression.Name("Resource"), expression.Value(string(resource))).
		Set(expression.Name("PatientPK"), expression.Value(patientPK(content.PatientID))).
		Set(expression.Name("PatientSK"), expression.Value(content.VaccineType+"#"+id)).
		Set(expression.Name("IdentifierPK"), expression.Value(content.IdentifierKey())).
		Set(expression.Name("Operation"), expression.Value(string(OperationUpdate))).
		Set(expression.Name("Version"), expression.Value(expectedVersion+1)).
		Set(expression.Name("SupplierSystem"), expression.Value(supplier)).
		Set(expression.Name("UpdatedAt"), expression.Value(r.now().Format(time.RFC3339)))
	if markReinstated {
		update = update.
			Set(expression.Name("DeletedAt"), expression.Value(reinstatedMarker)).
			Set(expression.Name("Reinstated"), expression.Value(true))
	}

	exprs, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, &UnhandledResponseError{Message: "build update expression", Err: err}
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       pkKey(id),
		UpdateExpression:          exprs.Update(),
		ConditionExpression:       exprs.Condition(),
		ExpressionAttributeNames:  exprs.Names(),
		ExpressionAttributeValues: exprs.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, &ConflictError{ID: id, Message: "the record was changed, deleted, or never existed; re-fetch and retry"}
		}
		return nil, r.storeError("update item", err)
	}
	return unmarshalItem(out.Attributes)
}

func (r *dynamoRepo) Delete(ctx context.Context, id string, supplier string, perms auth.PermissionSet) (rec *ImmunizationRecord, err error) {
	defer func() { r.m.ObserveRepoOp("delete", err) }()

	// Read first for the vaccine-type check; the delete precondition itself
	// is enforced by the store, not by this read. A record that is already
	// logically deleted surfaces as not-found before any permission check.
	current, err := r.getItem(ctx, id)
	if err == nil {
		if !current.Lifecycle.Active() {
			return nil, &NotFoundError{ResourceType: "Immunization", ID: id}
		}
		if !perms.Allows(current.VaccineType, auth.OpDelete) {
			return nil, ErrUnauthorizedVax
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	cond := expression.AttributeExists(expression.Name("PK")).
		And(expression.AttributeNotExists(expression.Name("DeletedAt")).
			Or(expression.Name("DeletedAt").Equal(expression.Value(reinstatedMarker))))
	update := expression.
		Set(expression.Name("DeletedAt"), expression.Value(r.now().Format(time.RFC3339))).
		Set(expression.Name("Operation"), expression.Value(string(OperationDelete))).
		Set(expression.Name("SupplierSystem"), expression.Value(supplier)).
		Set(expression.Name("UpdatedAt"), expression.Value(r.now().Format(time.RFC3339)))
	exprs, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, &UnhandledResponseError{Message: "build delete expression", Err: err}
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       pkKey(id),
		UpdateExpression:          exprs.Update(),
		ConditionExpression:       exprs.Condition(),
		ExpressionAttributeNames:  exprs.Names(),
		ExpressionAttributeValues: exprs.Values(),
		ReturnValues:              types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, &NotFoundError{ResourceType: "Immunization", ID: id}
		}
		return nil, r.storeError("delete item", err)
	}
	return unmarshalItem(out.Attributes)
}

func (r *dynamoRepo) FindByPatient(ctx context.Context, patientID string, vaccineTypes []string) (recs []*ImmunizationRecord, err error) {
	defer func() { r.m.ObserveRepoOp("find_by_patient", err) }()

	keyCond := expression.Key("PatientPK").Equal(expression.Value(patientPK(patientID)))
	notDeleted := expression.AttributeNotExists(expression.Name("DeletedAt")).
		Or(expression.Name("DeletedAt").Equal(expression.Value(reinstatedMarker)))
	exprs, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(notDeleted).Build()
	if err != nil {
		return nil, &UnhandledResponseError{Message: "build query expression", Err: err}
	}

	wanted := make(map[string]bool, len(vaccineTypes))
	for _, vt := range vaccineTypes {
		wanted[vt] = true
	}

	var out []*ImmunizationRecord
	var startKey map[string]types.AttributeValue
	for {
		page, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(r.table),
			IndexName:                 aws.String(patientIndex),
			KeyConditionExpression:    exprs.KeyCondition(),
			FilterExpression:          exprs.Filter(),
			ExpressionAttributeNames:  exprs.Names(),
			ExpressionAttributeValues: exprs.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, r.storeError("query patient index", err)
		}
		for _, av := range page.Items {
			rec, err := unmarshalItem(av)
			if err != nil {
				return nil, err
			}
			if wanted[rec.VaccineType] {
				out = append(out, rec)
			}
		}
		if page.LastEvaluatedKey == nil {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	return out, nil
}

func (r *dynamoRepo) getItem(ctx context.Context, id string) (*ImmunizationRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key:       pkKey(id),
	})
	if err != nil {
		return nil, r.storeError("get item", err)
	}
	if out.Item == nil {
		return nil, &NotFoundError{ResourceType: "Immunization", ID: id}
	}
	return unmarshalItem(out.Item)
}

// queryIdentifier returns the first item bound to identifierKey on the
// identifier index, or nil when the identifier is unbound.
func (r *dynamoRepo) queryIdentifier(ctx context.Context, identifierKey string) (*recordItem, error) {
	keyCond := expression.Key("IdentifierPK").Equal(expression.Value(identifierKey))
	exprs, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, &UnhandledResponseError{Message: "build query expression", Err: err}
	}
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.table),
		IndexName:                 aws.String(identifierIndex),
		KeyConditionExpression:    exprs.KeyCondition(),
		ExpressionAttributeNames:  exprs.Names(),
		ExpressionAttributeValues: exprs.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, r.storeError("query identifier index", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var item recordItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, &UnhandledResponseError{Message: "unmarshal item from dynamodb", Err: err}
	}
	return &item, nil
}

// activeIdentifier reports whether the item still holds its identifier: a
// logically deleted record frees the identifier for reuse, an active or
// reinstated one does not.
func (it *recordItem) activeIdentifier() bool {
	return it.DeletedAt == "" || it.DeletedAt == reinstatedMarker
}

func pkKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: immunizationPK(id)},
	}
}

func unmarshalItem(av map[string]types.AttributeValue) (*ImmunizationRecord, error) {
	var item recordItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, &UnhandledResponseError{Message: "unmarshal item from dynamodb", Err: err}
	}
	return item.toRecord()
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (r *dynamoRepo) storeError(msg string, err error) error {
	return &UnhandledResponseError{Message: "unhandled error from dynamodb: " + msg, Err: err}
}
