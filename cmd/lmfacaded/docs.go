package main

// General API documentation for swaggo.
//
// @title           lmfacade API
// @version         1.0
// @description     Unified HTTP/NDJSON façade for autoregressive transformer inference.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
