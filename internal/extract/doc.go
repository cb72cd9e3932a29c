// Package extract pulls structured data out of the site's HTML and JSON.
//
// Nothing here knows the site's layout. Callers pass the script markers,
// selectors and gjson paths, which come from configuration.
package extract
