// Package domain declares the entities knitops deploys and observes:
// projects, apps, instances and their log records.
//
// Values coming from outside (manifests, API requests) are validated once
// at the boundary with Validate; other packages assume validated values.
package domain
