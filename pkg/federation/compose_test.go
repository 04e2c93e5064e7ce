package federation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

const (
	accountsSDL = `
extend type Query {
	me: User
}

type User @key(fields: "id") {
	id: ID!
	username: String!
}`

	productsSDL = `
extend type Query {
	topProducts(first: Int = 5): [Product]
}

type Product @key(fields: "upc") {
	upc: String!
	name: String
	price: Int
	weight: Int
}`

	reviewsSDL = `
type Review {
	body: String!
	author: User @provides(fields: "username")
	product: Product
}

extend type User @key(fields: "id") {
	id: ID! @external
	username: String @external
	reviews: [Review]
}

extend type Product @key(fields: "upc") {
	upc: String! @external
	reviews: [Review]
}`

	inventorySDL = `
extend type Product @key(fields: "upc") {
	upc: String! @external
	weight: Int @external
	price: Int @external
	inStock: Boolean
	shippingEstimate: Int @requires(fields: "price weight")
}`
)

func federatedServices() []ServiceDefinition {
	return []ServiceDefinition{
		{Name: "accounts", SDL: accountsSDL},
		{Name: "products", SDL: productsSDL},
		{Name: "reviews", SDL: reviewsSDL},
		{Name: "inventory", SDL: inventorySDL},
	}
}

func TestCompose(t *testing.T) {
	t.Run("should compose all services", func(t *testing.T) {
		schema, err := Compose(federatedServices(), WithVersion(3))
		require.NoError(t, err)

		assert.Equal(t, uint64(3), schema.Version())
		assert.Equal(t, []string{"accounts", "products", "reviews", "inventory"}, schema.Services())
		assert.Empty(t, schema.Warnings())

		assert.NotNil(t, schema.AST().Types["Review"])
		assert.NotNil(t, schema.AST().Query.Fields.ForName("me"))
		assert.NotNil(t, schema.AST().Query.Fields.ForName("topProducts"))
		assert.NotNil(t, schema.AST().Query.Fields.ForName("_entities"))
		assert.NotNil(t, schema.AST().Query.Fields.ForName("_service"))
		assert.ElementsMatch(t, []string{"Product", "User"}, schema.PossibleTypes("_Entity"))

		product := schema.AST().Types["Product"]
		require.NotNil(t, product)
		for _, field := range []string{"upc", "name", "price", "weight", "reviews", "inStock", "shippingEstimate"} {
			assert.NotNil(t, product.Fields.ForName(field), field)
		}
	})

	t.Run("should print the composed schema without federation additions", func(t *testing.T) {
		schema, err := Compose(federatedServices())
		require.NoError(t, err)

		assert.Contains(t, schema.SDL(), "inStock: Boolean")
		assert.Contains(t, schema.SDL(), "type Review")
		assert.NotContains(t, schema.SDL(), "_entities")
		assert.NotContains(t, schema.SDL(), "_Service")
	})

	t.Run("should exclude an invalid non-mandatory service with a warning", func(t *testing.T) {
		services := append(federatedServices(), ServiceDefinition{
			Name: "broken",
			SDL:  "type Broken { id: ID! ",
		})

		schema, err := Compose(services)
		require.NoError(t, err)
		require.Len(t, schema.Warnings(), 1)

		var compositionErr *graphqlerrors.SchemaCompositionError
		require.True(t, errors.As(schema.Warnings()[0], &compositionErr))
		assert.Equal(t, "broken", compositionErr.ServiceName)
		assert.False(t, schema.HasService("broken"))
		assert.Nil(t, schema.AST().Types["Broken"])
		assert.NotNil(t, schema.AST().Types["Product"])
	})

	t.Run("should fail on an invalid mandatory service", func(t *testing.T) {
		services := append(federatedServices(), ServiceDefinition{
			Name:      "broken",
			SDL:       "type Broken { id: Unknown }",
			Mandatory: true,
		})

		schema, err := Compose(services)
		assert.Nil(t, schema)

		var compositionErr *graphqlerrors.SchemaCompositionError
		require.True(t, errors.As(err, &compositionErr))
		assert.Equal(t, "broken", compositionErr.ServiceName)
		assert.True(t, compositionErr.Mandatory)
	})

	t.Run("should fail if no service is valid", func(t *testing.T) {
		schema, err := Compose([]ServiceDefinition{
			{Name: "a", SDL: "type {"},
			{Name: "b", SDL: "type Query { field: Missing }"},
		})
		assert.Nil(t, schema)
		assert.ErrorIs(t, err, graphqlerrors.ErrNoValidServices)
	})

	t.Run("should reject duplicate service names", func(t *testing.T) {
		_, err := Compose([]ServiceDefinition{
			{Name: "accounts", SDL: accountsSDL},
			{Name: "accounts", SDL: productsSDL},
		})
		assert.Error(t, err)
	})

	t.Run("should exclude a service redefining a field owned elsewhere", func(t *testing.T) {
		services := append(federatedServices(), ServiceDefinition{
			Name: "ratings",
			SDL: `
extend type Product @key(fields: "upc") {
	upc: String! @external
	reviews: [String]
}`,
		})

		schema, err := Compose(services)
		require.NoError(t, err)
		require.Len(t, schema.Warnings(), 1)
		assert.False(t, schema.HasService("ratings"))

		owner, ok := schema.FieldOwner("Product", "reviews")
		assert.True(t, ok)
		assert.Equal(t, "reviews", owner)
	})

	t.Run("should synthesize stubs for extensions without base", func(t *testing.T) {
		schema, err := Compose([]ServiceDefinition{
			{Name: "things", SDL: `
extend type Query {
	hello: String
}

extend type Thing @key(fields: "id") {
	id: ID! @external
	name: String
}`},
		})
		require.NoError(t, err)

		assert.True(t, schema.IsStub("Thing"))
		assert.True(t, schema.IsStub("Query"))
		assert.True(t, schema.IsEntity("Thing"))
		assert.NotNil(t, schema.AST().Types["Thing"].Fields.ForName("name"))
	})

	t.Run("should reject a key on a missing field", func(t *testing.T) {
		_, err := Compose([]ServiceDefinition{
			{Name: "users", Mandatory: true, SDL: `
type Query {
	users: [User]
}

type User @key(fields: "uuid") {
	id: ID!
}`},
		})
		assert.Error(t, err)
	})

	t.Run("should reject an entity defined by two services", func(t *testing.T) {
		schema, err := Compose([]ServiceDefinition{
			{Name: "accounts", SDL: accountsSDL},
			{Name: "users", SDL: `
extend type Query {
	users: [User]
}

type User @key(fields: "id") {
	id: ID!
	email: String
}`},
		})
		require.NoError(t, err)
		require.Len(t, schema.Warnings(), 1)
		assert.Equal(t, []string{"accounts"}, schema.Services())
	})
}

func TestSchemaOwnership(t *testing.T) {
	schema, err := Compose(federatedServices())
	require.NoError(t, err)

	t.Run("field owners", func(t *testing.T) {
		for _, tc := range []struct {
			typeName, fieldName, owner string
		}{
			{"Query", "me", "accounts"},
			{"Query", "topProducts", "products"},
			{"Query", "_entities", LocalServiceName},
			{"User", "username", "accounts"},
			{"User", "reviews", "reviews"},
			{"Product", "name", "products"},
			{"Product", "inStock", "inventory"},
			{"Review", "body", "reviews"},
		} {
			owner, ok := schema.FieldOwner(tc.typeName, tc.fieldName)
			assert.True(t, ok, "%s.%s", tc.typeName, tc.fieldName)
			assert.Equal(t, tc.owner, owner, "%s.%s", tc.typeName, tc.fieldName)
		}
	})

	t.Run("type owners", func(t *testing.T) {
		assert.Equal(t, []string{"products", "reviews", "inventory"}, schema.TypeOwners("Product"))
	})

	t.Run("entity keys", func(t *testing.T) {
		key, err := schema.EntityKey("Product")
		require.NoError(t, err)
		assert.Equal(t, "upc", key.String())

		_, err = schema.EntityKey("Review")
		var resolutionErr *graphqlerrors.EntityResolutionError
		require.True(t, errors.As(err, &resolutionErr))
		assert.ErrorIs(t, err, graphqlerrors.ErrMissingEntityKey)
	})

	t.Run("requires and provides", func(t *testing.T) {
		requires, ok := schema.Requires("Product", "shippingEstimate")
		require.True(t, ok)
		assert.Equal(t, []string{"price", "weight"}, requires.Names())

		provides, ok := schema.Provides("Review", "author")
		require.True(t, ok)
		assert.Equal(t, []string{"username"}, provides.Names())

		_, ok = schema.Requires("Product", "inStock")
		assert.False(t, ok)
	})

	t.Run("can resolve", func(t *testing.T) {
		assert.True(t, schema.CanResolve("reviews", "Review", "body"))
		assert.True(t, schema.CanResolve("reviews", "User", "id"))
		assert.False(t, schema.CanResolve("reviews", "User", "username"))
		assert.True(t, schema.CanResolve("reviews", "User", "__typename"))
		assert.False(t, schema.CanResolve("accounts", "Query", "topProducts"))
		assert.True(t, schema.CanResolve(LocalServiceName, "Product", "upc"))
		assert.False(t, schema.CanResolve(LocalServiceName, "Product", "name"))
		assert.False(t, schema.CanResolve("reviews", "Unknown", "id"))
	})

	t.Run("implements", func(t *testing.T) {
		assert.True(t, schema.Implements("Product", "_Entity"))
		assert.True(t, schema.Implements("Review", "Review"))
		assert.False(t, schema.Implements("Review", "_Entity"))
	})
}
