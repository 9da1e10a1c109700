// Package vswitch provides typed views over the tables of the
// Open_vSwitch database.
package vswitch

import (
	_ "embed"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

const (
	// DatabaseName is the name of the Open_vSwitch database
	DatabaseName = "Open_vSwitch"

	OpenVSwitchTable = "Open_vSwitch"
	BridgeTable      = "Bridge"
	PortTable        = "Port"
	InterfaceTable   = "Interface"
	ControllerTable  = "Controller"
)

//go:embed vswitch.ovsschema
var schemaJSON []byte

// SchemaJSON returns the bundled Open_vSwitch schema document, a subset of
// the schema shipped with Open vSwitch
func SchemaJSON() []byte {
	return schemaJSON
}

// Schema parses the bundled Open_vSwitch schema
func Schema() (*schema.DatabaseSchema, error) {
	return schema.ParseDatabaseSchema(schemaJSON)
}

// OpenVSwitch is the root table, holding at most one row
type OpenVSwitch struct {
	schema.TableView
	UUID          schema.Column[ovsdb.UUID]        `ovsdb:"_uuid"`
	Bridges       schema.Column[[]ovsdb.UUID]      `ovsdb:"bridges"`
	NextCfg       schema.Column[int]               `ovsdb:"next_cfg"`
	CurCfg        schema.Column[int]               `ovsdb:"cur_cfg"`
	OVSVersion    schema.Column[*string]           `ovsdb:"ovs_version"`
	DatapathTypes schema.Column[[]string]          `ovsdb:"datapath_types"`
	ExternalIDs   schema.Column[map[string]string] `ovsdb:"external_ids"`
	OtherConfig   schema.Column[map[string]string] `ovsdb:"other_config"`
}

// Bridge is a bridge in the switch
type Bridge struct {
	schema.TableView
	UUID         schema.Column[ovsdb.UUID]        `ovsdb:"_uuid"`
	Name         schema.Column[string]            `ovsdb:"name"`
	DatapathType schema.Column[string]            `ovsdb:"datapath_type"`
	DatapathID   schema.Column[*string]           `ovsdb:"datapath_id"`
	STPEnable    schema.Column[bool]              `ovsdb:"stp_enable"`
	Ports        schema.Column[[]ovsdb.UUID]      `ovsdb:"ports"`
	Controller   schema.Column[[]ovsdb.UUID]      `ovsdb:"controller"`
	FailMode     schema.Column[*string]           `ovsdb:"fail_mode"`
	Protocols    schema.Column[[]string]          `ovsdb:"protocols"`
	FloodVLANs   schema.Column[[]int]             `ovsdb:"flood_vlans"`
	ExternalIDs  schema.Column[map[string]string] `ovsdb:"external_ids"`
	OtherConfig  schema.Column[map[string]string] `ovsdb:"other_config"`
}

// Port is a port within a bridge
type Port struct {
	schema.TableView
	UUID        schema.Column[ovsdb.UUID]        `ovsdb:"_uuid"`
	Name        schema.Column[string]            `ovsdb:"name"`
	Interfaces  schema.Column[[]ovsdb.UUID]      `ovsdb:"interfaces"`
	Tag         schema.Column[*int]              `ovsdb:"tag"`
	Trunks      schema.Column[[]int]             `ovsdb:"trunks"`
	ExternalIDs schema.Column[map[string]string] `ovsdb:"external_ids"`
}

// Interface is one network device of a port
type Interface struct {
	schema.TableView
	UUID        schema.Column[ovsdb.UUID]        `ovsdb:"_uuid"`
	Name        schema.Column[string]            `ovsdb:"name"`
	Type        schema.Column[string]            `ovsdb:"type"`
	OFPort      schema.Column[*int]              `ovsdb:"ofport"`
	MTURequest  schema.Column[*int]              `ovsdb:"mtu_request"`
	Options     schema.Column[map[string]string] `ovsdb:"options"`
	ExternalIDs schema.Column[map[string]string] `ovsdb:"external_ids"`
}

// Tables holds a view of every table of the database
type Tables struct {
	OpenVSwitch *OpenVSwitch
	Bridge      *Bridge
	Port        *Port
	Interface   *Interface
}

// NewTables binds every view against db
func NewTables(db *schema.DatabaseSchema) (*Tables, error) {
	var (
		t   Tables
		err error
	)
	if t.OpenVSwitch, err = schema.TypedTable[OpenVSwitch](db, OpenVSwitchTable); err != nil {
		return nil, err
	}
	if t.Bridge, err = schema.TypedTable[Bridge](db, BridgeTable); err != nil {
		return nil, err
	}
	if t.Port, err = schema.TypedTable[Port](db, PortTable); err != nil {
		return nil, err
	}
	if t.Interface, err = schema.TypedTable[Interface](db, InterfaceTable); err != nil {
		return nil, err
	}
	return &t, nil
}
