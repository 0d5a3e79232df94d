package s3

// Placeholder for an S3 backed ArtifactService implementation.
//
// Intent: provide a production ready persistent store using AWS S3 (or
// compatible APIs) implementing the core.ArtifactService interface. Object
// keys should follow the canonical blob layout used by the other backends,
// "{app}/{user}/{scope}/{filename}/{version}" where scope is the session id
// or the literal "user" for user-namespaced filenames, so listings can be
// answered with prefix queries. This file intentionally remains a stub so
// that downstream contributors can supply credentials / client wiring without
// pulling an AWS dependency into minimal builds. If you implement this, keep
// the dependency surface narrow and make the configuration (bucket, prefix,
// ACL, encryption) explicit via a small Config struct.
