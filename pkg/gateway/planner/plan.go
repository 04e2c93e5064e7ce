package planner

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
)

type fetchKind int

const (
	rootFetch fetchKind = iota
	localFetch
	entityFetch
)

// fetchField is a field selected by one fetch.
type fetchField struct {
	field    *field
	children map[string][]*fetchField
}

// entityType is the part of an entity fetch for one concrete type.
type entityType struct {
	typeName string
	scope    *objectSelection
	key      federation.FieldSet
	requires []federation.FieldSet
	fields   []*fetchField
	// err is set if objects of the type cannot be resolved by the service,
	// failed lists the client fields which become null.
	err    error
	failed []*field
}

type fetchNode struct {
	id        int
	kind      fetchKind
	service   string
	fields    []*fetchField
	path      []string
	types     map[string]*entityType
	typeOrder []string
	dependsOn []*fetchNode

	query              string
	operationName      string
	variables          []string
	representationsVar string
}

func (n *fetchNode) dependOn(other *fetchNode) {
	for _, existing := range n.dependsOn {
		if existing == other {
			return
		}
	}
	n.dependsOn = append(n.dependsOn, other)
}

func (n *fetchNode) entityType(scope *objectSelection) *entityType {
	if et, ok := n.types[scope.typeName]; ok {
		return et
	}
	et := &entityType{
		typeName: scope.typeName,
		scope:    scope,
	}
	n.types[scope.typeName] = et
	n.typeOrder = append(n.typeOrder, scope.typeName)
	return et
}

// firstClientField returns the field errors of the whole fetch are reported at.
func (n *fetchNode) firstClientField() *field {
	if n.kind != entityFetch {
		for _, ff := range n.fields {
			if !ff.field.hidden {
				return ff.field
			}
		}
		return nil
	}
	for _, typeName := range n.typeOrder {
		et := n.types[typeName]
		for _, ff := range et.fields {
			if !ff.field.hidden {
				return ff.field
			}
		}
	}
	return nil
}

type plan struct {
	operation *ast.OperationDefinition
	root      *objectSelection
	variables map[string]interface{}
	fetches   []*fetchNode
}

type hopKey struct {
	parent  int
	path    string
	service string
}

type builder struct {
	schema *federation.Schema
	plan   *plan
	hops   map[hopKey]*fetchNode
}

// buildPlan splits the normalized operation into fetches. Root fields are
// grouped by owning service; fields owned by another service than the one
// resolving their parent object become entity fetches on the parent path.
func buildPlan(schema *federation.Schema, operation *ast.OperationDefinition, root *objectSelection, variables map[string]interface{}) *plan {
	b := &builder{
		schema: schema,
		plan: &plan{
			operation: operation,
			root:      root,
			variables: variables,
		},
		hops: map[hopKey]*fetchNode{},
	}

	var previous *fetchNode
	for _, group := range b.rootGroups(operation.Operation, root) {
		kind := rootFetch
		if group.service == federation.LocalServiceName {
			kind = localFetch
		}
		node := b.newFetch(kind, group.service)
		if operation.Operation == ast.Mutation && previous != nil {
			node.dependOn(previous)
		}
		previous = node
		node.fields = b.assign(node, group.service, root, group.fields, nil, federation.FieldSet{})
	}

	for _, node := range b.plan.fetches {
		printFetch(schema, operation, node)
	}
	return b.plan
}

type rootGroup struct {
	service string
	fields  []*field
}

// rootGroups groups the root fields by owner. Mutation fields keep their
// document order, so only adjacent fields of one service share a group.
func (b *builder) rootGroups(operation ast.Operation, root *objectSelection) []*rootGroup {
	var groups []*rootGroup
	byService := map[string]*rootGroup{}
	for _, f := range root.fields {
		owner := federation.LocalServiceName
		if f.name != typenameField {
			if service, ok := b.schema.FieldOwner(root.typeName, f.name); ok {
				owner = service
			}
		}

		if operation == ast.Mutation {
			if len(groups) > 0 && groups[len(groups)-1].service == owner {
				groups[len(groups)-1].fields = append(groups[len(groups)-1].fields, f)
				continue
			}
			groups = append(groups, &rootGroup{service: owner, fields: []*field{f}})
			continue
		}

		group, ok := byService[owner]
		if !ok {
			group = &rootGroup{service: owner}
			byService[owner] = group
			groups = append(groups, group)
		}
		group.fields = append(group.fields, f)
	}
	return groups
}

func (b *builder) newFetch(kind fetchKind, service string) *fetchNode {
	node := &fetchNode{
		id:      len(b.plan.fetches),
		kind:    kind,
		service: service,
	}
	b.plan.fetches = append(b.plan.fetches, node)
	return node
}

// hop returns the entity fetch to service for the objects at path which are
// resolved by parent.
func (b *builder) hop(parent *fetchNode, path []string, service string) *fetchNode {
	key := hopKey{parent: parent.id, path: strings.Join(path, "\x00"), service: service}
	if node, ok := b.hops[key]; ok {
		return node
	}
	node := b.newFetch(entityFetch, service)
	node.path = append([]string(nil), path...)
	node.types = map[string]*entityType{}
	node.dependOn(parent)
	b.hops[key] = node
	return node
}

func (b *builder) resolvable(service, typeName, fieldName string, provided federation.FieldSet) bool {
	return b.schema.CanResolve(service, typeName, fieldName) || provided.Contains(fieldName)
}

// assign selects fields on the objects of scope at path for node. Fields the
// service cannot resolve are grouped by owner into entity fetches, the key
// and @requires fields they need are selected by node as hidden fields.
func (b *builder) assign(node *fetchNode, service string, scope *objectSelection, fields []*field, path []string, provided federation.FieldSet) []*fetchField {
	var (
		local    []*field
		isLocal  = map[*field]bool{}
		owners   []string
		groups   = map[string][]*field{}
		ownerOf  = map[*field]string{}
		queue    []*field
		requires = map[string][]string{}
	)

	addLocal := func(f *field) {
		if f == nil || isLocal[f] {
			return
		}
		isLocal[f] = true
		local = append(local, f)
	}
	addRemote := func(owner string, f *field) {
		if _, ok := ownerOf[f]; ok {
			return
		}
		if _, ok := groups[owner]; !ok {
			owners = append(owners, owner)
		}
		groups[owner] = append(groups[owner], f)
		ownerOf[f] = owner
		queue = append(queue, f)
	}

	for _, f := range fields {
		if b.resolvable(service, scope.typeName, f.name, provided) {
			addLocal(f)
			continue
		}
		owner, ok := b.schema.FieldOwner(scope.typeName, f.name)
		if !ok {
			addLocal(f)
			continue
		}
		addRemote(owner, f)
	}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		fieldSet, ok := b.schema.Requires(scope.typeName, f.name)
		if !ok {
			continue
		}
		owner := ownerOf[f]
		for _, selection := range fieldSet.Selections {
			required := scope.hiddenField(b.schema, selection.Name, selection.Selections)
			if required == nil {
				continue
			}
			if b.resolvable(service, scope.typeName, selection.Name, provided) {
				addLocal(required)
				continue
			}
			requiredOwner, ok := b.schema.FieldOwner(scope.typeName, selection.Name)
			if !ok || requiredOwner == owner {
				continue
			}
			addRemote(requiredOwner, required)
			requires[owner] = append(requires[owner], requiredOwner)
		}
	}

	for _, owner := range owners {
		hop := b.hop(node, path, owner)
		et := hop.entityType(scope)
		addLocal(scope.hiddenField(b.schema, typenameField, nil))

		key, err := b.schema.EntityKey(scope.typeName)
		if err != nil {
			et.err = err
			for _, f := range groups[owner] {
				if !f.hidden {
					et.failed = append(et.failed, f)
				}
			}
			continue
		}
		et.key = key
		for _, selection := range key.Selections {
			addLocal(scope.hiddenField(b.schema, selection.Name, selection.Selections))
		}
		for _, f := range groups[owner] {
			if fieldSet, ok := b.schema.Requires(scope.typeName, f.name); ok {
				et.requires = append(et.requires, fieldSet)
			}
		}
		et.fields = append(et.fields, b.assign(hop, owner, scope, groups[owner], path, federation.FieldSet{})...)
	}

	for owner, requiredOwners := range requires {
		hop := b.hop(node, path, owner)
		for _, requiredOwner := range requiredOwners {
			hop.dependOn(b.hop(node, path, requiredOwner))
		}
	}

	out := make([]*fetchField, 0, len(local))
	for _, f := range local {
		out = append(out, b.fetchField(node, service, scope.typeName, f, path, provided))
	}
	return out
}

func (b *builder) fetchField(node *fetchNode, service, parentType string, f *field, path []string, provided federation.FieldSet) *fetchField {
	ff := &fetchField{field: f}
	if f.children == nil {
		return ff
	}

	childProvided := provided.Child(f.name)
	if fieldSet, ok := b.schema.Provides(parentType, f.name); ok {
		childProvided = fieldSet
	}

	childPath := make([]string, len(path), len(path)+1)
	copy(childPath, path)
	childPath = append(childPath, f.wireKey)

	ff.children = make(map[string][]*fetchField, len(f.typeOrder))
	for _, typeName := range f.typeOrder {
		child := f.children[typeName]
		fields := append([]*field(nil), child.fields...)
		ff.children[typeName] = b.assign(node, service, child, fields, childPath, childProvided)
	}
	return ff
}
