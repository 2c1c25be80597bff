package main

// General API documentation for swaggo. Run swag against this package to
// generate docs, then build with -tags=swagger to serve them.
//
// @title           chatd API
// @version         1.0
// @description     HTTP API for local model provisioning and streaming chat.
//
// @contact.name   chatd maintainers
// @contact.url    https://github.com/your-org/chatd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
