package provider

import (
	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
)

// The types below have the shape kaitai-struct-compiler emits for the
// point_list schema used in these tests.

type PointList struct {
	NumPoints uint8
	Points    []*PointList_Point
	_io       *kaitai.Stream
	_root     *PointList
	_parent   interface{}
}

func NewPointList() *PointList {
	return &PointList{}
}

func (this *PointList) Read(io *kaitai.Stream, parent interface{}, root *PointList) (err error) {
	this._io = io
	this._parent = parent
	this._root = root

	tmp1, err := this._io.ReadU1()
	if err != nil {
		return err
	}
	this.NumPoints = tmp1
	for i := 0; i < int(this.NumPoints); i++ {
		tmp2 := NewPointList_Point()
		err = tmp2.Read(this._io, this, this._root)
		if err != nil {
			return err
		}
		this.Points = append(this.Points, tmp2)
	}
	return err
}

type PointList_Point struct {
	X       int16
	Y       int16
	_io     *kaitai.Stream
	_root   *PointList
	_parent *PointList
}

func NewPointList_Point() *PointList_Point {
	return &PointList_Point{}
}

func (this *PointList_Point) Read(io *kaitai.Stream, parent *PointList, root *PointList) (err error) {
	this._io = io
	this._parent = parent
	this._root = root

	tmp3, err := this._io.ReadS2le()
	if err != nil {
		return err
	}
	this.X = tmp3
	tmp4, err := this._io.ReadS2le()
	if err != nil {
		return err
	}
	this.Y = tmp4
	return err
}
