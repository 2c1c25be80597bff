package provision

import _ "embed"

// defaultCatalog is the bundled model catalog, used when the app
// directory carries no override.
//
//go:embed catalog_default.json
var defaultCatalog []byte
