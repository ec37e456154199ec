package api

import (
    "encoding/json"
    "net/http"
    "os"
    "sync"

    yaml "gopkg.in/yaml.v3"
)

const openapiPath = "openapi/openapi.yaml"

var (
    openapiOnce sync.Once
    openapiYAML []byte
    openapiJSON []byte
)

func loadOpenAPI() {
    b, err := os.ReadFile(openapiPath)
    if err != nil { return }
    openapiYAML = b
    var doc any
    if err := yaml.Unmarshal(b, &doc); err != nil { return }
    j, err := json.Marshal(doc)
    if err != nil { return }
    openapiJSON = j
}

// OpenAPIYAMLHandler serves the raw API description.
func (s *Server) OpenAPIYAMLHandler(w http.ResponseWriter, r *http.Request) {
    openapiOnce.Do(loadOpenAPI)
    if openapiYAML == nil {
        writeProblem(w, http.StatusNotFound, "Not Found", "openapi document not found", r.URL.Path)
        return
    }
    w.Header().Set("Content-Type", "application/yaml")
    w.WriteHeader(http.StatusOK)
    w.Write(openapiYAML)
}

// OpenAPIJSONHandler serves the same document converted to JSON for tooling
// that does not read YAML.
func (s *Server) OpenAPIJSONHandler(w http.ResponseWriter, r *http.Request) {
    openapiOnce.Do(loadOpenAPI)
    if openapiJSON == nil {
        writeProblem(w, http.StatusNotFound, "Not Found", "openapi document not found", r.URL.Path)
        return
    }
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusOK)
    w.Write(openapiJSON)
}
