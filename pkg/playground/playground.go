// Package playground is a http.Handler hosting the GraphQL Playground application.
package playground

import (
	"html/template"
	"net/http"
	"path"
)

const (
	contentTypeHeader   = "Content-Type"
	contentTypeTextHTML = "text/html; charset=utf-8"

	defaultAssetsURL = "https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.28/build"
)

// Config instructs New on how to set up the playground handler.
type Config struct {
	// PathPrefix is put in front of the playground path
	PathPrefix string
	// PlaygroundPath is where the playground website is hosted
	PlaygroundPath string
	// GraphqlEndpointPath is where queries and mutations are sent
	GraphqlEndpointPath string
	// GraphQLSubscriptionEndpointPath is where graphql-ws connections are opened
	GraphQLSubscriptionEndpointPath string
	// AssetsURL overrides the location of the playground static build
	AssetsURL string
}

type playgroundTemplateData struct {
	CssURL                  string
	JsURL                   string
	FavIconURL              string
	EndpointURL             string
	SubscriptionEndpointURL string
}

// HandlerConfig pairs a handler with the path it should be hosted on.
type HandlerConfig struct {
	Path    string
	Handler http.Handler
}

type Handlers []HandlerConfig

type Playground struct {
	path string
	data playgroundTemplateData
}

func New(config Config) *Playground {
	assets := config.AssetsURL
	if assets == "" {
		assets = defaultAssetsURL
	}
	subscriptionPath := config.GraphQLSubscriptionEndpointPath
	if subscriptionPath == "" {
		subscriptionPath = config.GraphqlEndpointPath
	}
	return &Playground{
		path: path.Join("/", config.PathPrefix, config.PlaygroundPath),
		data: playgroundTemplateData{
			CssURL:                  assets + "/static/css/index.css",
			JsURL:                   assets + "/static/js/middleware.js",
			FavIconURL:              assets + "/favicon.png",
			EndpointURL:             path.Join("/", config.PathPrefix, config.GraphqlEndpointPath),
			SubscriptionEndpointURL: path.Join("/", config.PathPrefix, subscriptionPath),
		},
	}
}

func (p *Playground) Handlers() (Handlers, error) {
	tmpl, err := template.New("playground").Parse(playgroundHTML)
	if err != nil {
		return nil, err
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(contentTypeHeader, contentTypeTextHTML)
		if err := tmpl.Execute(w, p.data); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	return Handlers{{Path: p.path, Handler: handler}}, nil
}

const playgroundHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>GraphQL Playground</title>
  <link rel="stylesheet" href="{{ .CssURL }}"/>
  <link rel="shortcut icon" href="{{ .FavIconURL }}"/>
  <script src="{{ .JsURL }}"></script>
</head>
<body>
<div id="root"></div>
<script>
  window.addEventListener('load', function (event) {
    const wsProto = location.protocol === 'https:' ? 'wss:' : 'ws:';
    GraphQLPlayground.init(document.getElementById('root'), {
      endpoint: location.protocol + '//' + location.host + '{{ .EndpointURL }}',
      subscriptionEndpoint: wsProto + '//' + location.host + '{{ .SubscriptionEndpointURL }}',
    })
  })
</script>
</body>
</html>
`
