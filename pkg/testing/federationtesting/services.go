package federationtesting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
)

const (
	AccountsSDL = `
extend type Query {
	me: User
	user(id: ID!): User
}

type User @key(fields: "id") {
	id: ID!
	name: String
	username: String!
}`

	ProductsSDL = `
extend type Query {
	topProducts(first: Int = 5): [Product]
	product(upc: String!): Product
}

extend type Mutation {
	setPrice(upc: String!, price: Int!): Product
}

type Subscription {
	updatedPrice: Product!
}

type Product @key(fields: "upc") {
	upc: String!
	name: String
	price: Int
	weight: Int
}`

	ReviewsSDL = `
type Review {
	id: ID!
	body: String!
	author: User @provides(fields: "username")
	product: Product
}

extend type Mutation {
	addReview(upc: String!, body: String!): Review
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

	InventorySDL = `
extend type Product @key(fields: "upc") {
	upc: String! @external
	weight: Int @external
	price: Int @external
	inStock: Boolean
	shippingEstimate: Int @requires(fields: "price weight")
}`
)

const (
	QueryTopProducts = `query TopProducts {
  topProducts {
    upc
    name
    price
  }
}`
	QueryReviewsOfMe = `query ReviewsOfMe {
  me {
    username
    reviews {
      body
      product {
        upc
        name
        inStock
      }
    }
  }
}`
	QueryShippingEstimates = `query ShippingEstimates {
  topProducts(first: 2) {
    name
    shippingEstimate
  }
}`
)

var users = []map[string]interface{}{
	{"id": "1", "name": "Ada Lovelace", "username": "ada"},
	{"id": "2", "name": "Alan Turing", "username": "alan"},
}

var products = []map[string]interface{}{
	{"upc": "1", "name": "Table", "price": 899, "weight": 100},
	{"upc": "2", "name": "Couch", "price": 1299, "weight": 1000},
	{"upc": "3", "name": "Chair", "price": 54, "weight": 50},
}

var inventory = map[string]bool{
	"1": true,
	"2": false,
	"3": true,
}

type review struct {
	id       string
	body     string
	authorID string
	upc      string
}

var reviews = []review{
	{id: "1", body: "Love it!", authorID: "1", upc: "1"},
	{id: "2", body: "Too expensive.", authorID: "1", upc: "2"},
	{id: "3", body: "Could be better.", authorID: "2", upc: "3"},
	{id: "4", body: "Prefer something else.", authorID: "2", upc: "1"},
}

func findUser(id string) map[string]interface{} {
	for _, user := range users {
		if user["id"] == id {
			return user
		}
	}
	return nil
}

func findProduct(upc string) map[string]interface{} {
	for _, product := range products {
		if product["upc"] == upc {
			copied := make(map[string]interface{}, len(product))
			for key, value := range product {
				copied[key] = value
			}
			return copied
		}
	}
	return nil
}

func stringArg(args map[string]interface{}, name string) string {
	value, _ := args[name].(string)
	return value
}

// ToInt reads numbers as they arrive from JSON or from Go literals.
func ToInt(value interface{}) (int, bool) {
	switch value := value.(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	case json.Number:
		i, err := strconv.Atoi(value.String())
		return i, err == nil
	}
	return 0, false
}

func Accounts() Service {
	return Service{
		Name: "accounts",
		SDL:  AccountsSDL,
		Resolvers: map[string]FieldResolver{
			"Query.me": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				return findUser("1"), nil
			},
			"Query.user": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				return findUser(stringArg(args, "id")), nil
			},
		},
		References: federation.ReferenceResolvers{
			"User": func(ctx context.Context, representation map[string]interface{}) (interface{}, error) {
				id, _ := representation["id"].(string)
				return findUser(id), nil
			},
		},
	}
}

// Products serves the product catalog. Prices set by setPrice live as long as
// the returned service.
func Products() Service {
	var mu sync.Mutex
	prices := map[string]int{}

	withPrice := func(product map[string]interface{}) map[string]interface{} {
		if product == nil {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if price, ok := prices[product["upc"].(string)]; ok {
			product["price"] = price
		}
		return product
	}

	return Service{
		Name: "products",
		SDL:  ProductsSDL,
		Resolvers: map[string]FieldResolver{
			"Query.topProducts": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				first, ok := ToInt(args["first"])
				if !ok || first > len(products) {
					first = len(products)
				}
				out := make([]interface{}, 0, first)
				for _, product := range products[:first] {
					out = append(out, withPrice(findProduct(product["upc"].(string))))
				}
				return out, nil
			},
			"Query.product": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				return withPrice(findProduct(stringArg(args, "upc"))), nil
			},
			"Mutation.setPrice": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				upc := stringArg(args, "upc")
				product := findProduct(upc)
				if product == nil {
					return nil, fmt.Errorf("product %s not found", upc)
				}
				price, _ := ToInt(args["price"])
				mu.Lock()
				prices[upc] = price
				mu.Unlock()
				return withPrice(product), nil
			},
		},
		References: federation.ReferenceResolvers{
			"Product": func(ctx context.Context, representation map[string]interface{}) (interface{}, error) {
				upc, _ := representation["upc"].(string)
				return withPrice(findProduct(upc)), nil
			},
		},
	}
}

func reviewObject(r review) map[string]interface{} {
	author := findUser(r.authorID)
	return map[string]interface{}{
		"id":   r.id,
		"body": r.body,
		"author": map[string]interface{}{
			"__typename": "User",
			"id":         r.authorID,
			"username":   author["username"],
		},
		"product": map[string]interface{}{
			"__typename": "Product",
			"upc":        r.upc,
		},
	}
}

func Reviews() Service {
	var mu sync.Mutex
	added := []review{}

	all := func() []review {
		mu.Lock()
		defer mu.Unlock()
		return append(append([]review(nil), reviews...), added...)
	}

	return Service{
		Name: "reviews",
		SDL:  ReviewsSDL,
		Resolvers: map[string]FieldResolver{
			"User.reviews": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				var out []interface{}
				for _, r := range all() {
					if r.authorID == parent["id"] {
						out = append(out, reviewObject(r))
					}
				}
				return out, nil
			},
			"Product.reviews": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				var out []interface{}
				for _, r := range all() {
					if r.upc == parent["upc"] {
						out = append(out, reviewObject(r))
					}
				}
				return out, nil
			},
			"Mutation.addReview": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				body := stringArg(args, "body")
				if body == "" {
					return nil, errors.New("review body must not be empty")
				}
				mu.Lock()
				r := review{
					id:       strconv.Itoa(len(reviews) + len(added) + 1),
					body:     body,
					authorID: "1",
					upc:      stringArg(args, "upc"),
				}
				added = append(added, r)
				mu.Unlock()
				return reviewObject(r), nil
			},
		},
	}
}

func Inventory() Service {
	return Service{
		Name: "inventory",
		SDL:  InventorySDL,
		Resolvers: map[string]FieldResolver{
			"Product.inStock": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				upc, _ := parent["upc"].(string)
				return inventory[upc], nil
			},
			"Product.shippingEstimate": func(ctx context.Context, parent, args map[string]interface{}) (interface{}, error) {
				price, hasPrice := ToInt(parent["price"])
				weight, hasWeight := ToInt(parent["weight"])
				if !hasPrice || !hasWeight {
					return nil, errors.New("price and weight are required")
				}
				if price > 1000 {
					return 0, nil
				}
				return weight / 2, nil
			},
		},
	}
}

// Federation runs accounts, products, reviews and inventory.
type Federation struct {
	Accounts  *Server
	Products  *Server
	Reviews   *Server
	Inventory *Server
}

func NewFederation(t testing.TB) *Federation {
	t.Helper()
	return &Federation{
		Accounts:  NewServer(t, Accounts()),
		Products:  NewServer(t, Products()),
		Reviews:   NewServer(t, Reviews()),
		Inventory: NewServer(t, Inventory()),
	}
}

func (f *Federation) Servers() []*Server {
	return []*Server{f.Accounts, f.Products, f.Reviews, f.Inventory}
}

// ServiceConfigs describes the running services for the registry.
func (f *Federation) ServiceConfigs() []registry.ServiceConfig {
	configs := make([]registry.ServiceConfig, 0, 4)
	for _, server := range f.Servers() {
		configs = append(configs, registry.ServiceConfig{
			Name: server.Name(),
			URLs: []string{server.URL},
		})
	}
	return configs
}

func (f *Federation) Definitions() []federation.ServiceDefinition {
	definitions := make([]federation.ServiceDefinition, 0, 4)
	for _, server := range f.Servers() {
		definitions = append(definitions, federation.ServiceDefinition{
			Name: server.Name(),
			SDL:  server.service.SDL,
		})
	}
	return definitions
}

func (f *Federation) Reset() {
	for _, server := range f.Servers() {
		server.Reset()
	}
}
